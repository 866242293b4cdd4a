package pipelines

import (
	"os"

	"github.com/shaiso/nbflow/internal/dags"
)

const (
	// PeerScoutRecommendDAGID — ID DAG рекомендации редакторов.
	PeerScoutRecommendDAGID = "Data_Science_PeerScout_Recommend_Reviewing_Editors"

	// PeerScoutRecommendScheduleEnv переопределяет расписание DAG.
	PeerScoutRecommendScheduleEnv = "DATA_SCIENCE_PEERSCOUT_RECOMMEND_SCHEDULE_INTERVAL"

	// DefaultPeerScoutRecommendSchedule — расписание по умолчанию.
	DefaultPeerScoutRecommendSchedule = "@hourly"
)

// PeerScoutRecommendScheduleInterval возвращает расписание из окружения
// или значение по умолчанию, если переменная не задана или пуста.
// Значение не проверяется: невалидное расписание отклонит scheduler.
func PeerScoutRecommendScheduleInterval() string {
	if v, ok := os.LookupEnv(PeerScoutRecommendScheduleEnv); ok && v != "" {
		return v
	}
	return DefaultPeerScoutRecommendSchedule
}

// PeerScoutRecommendReviewingEditors объявляет DAG: сначала рекомендации
// редакторов, затем обновление профилей по версиям рукописей.
func PeerScoutRecommendReviewingEditors() *dags.DAG {
	return dags.CreateDAG(
		PeerScoutRecommendDAGID,
		PeerScoutRecommendScheduleInterval(),
		dags.WithDescription("Recommend reviewing editors for manuscripts"),
		dags.WithTags("peerscout", "data-science"),
	).With(func(d *dags.DAG) {
		d.RunNotebook("peerscout/peerscout-recommend-reviewing-editors.ipynb").
			Then(d.RunNotebook(dags.NotebookPath(
				"peerscout",
				"peerscout-update-manuscript-version-matching-reviewing-editor-profile.ipynb",
			)))
	})
}

// All возвращает все пайплайны.
func All() []*dags.DAG {
	return []*dags.DAG{
		PeerScoutRecommendReviewingEditors(),
	}
}

// Register добавляет все пайплайны в реестр.
func Register(bag *dags.Bag) error {
	for _, d := range All() {
		if err := bag.Register(d); err != nil {
			return err
		}
	}
	return nil
}
