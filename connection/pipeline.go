package connection

import "github.com/GitAlboBis/TeamsAppointmentAgentWebApp/activity"

// Middleware is one stage of the ordered activity pipeline. A stage may
// mutate the activity in place; returning false suppresses it, stopping
// the pipeline and dropping the activity before persistence and delivery.
type Middleware func(act *activity.Activity) bool

// runPipeline applies stages in order. It reports whether the activity
// survived every stage.
func runPipeline(stages []Middleware, act *activity.Activity) bool {
	for _, stage := range stages {
		if !stage(act) {
			return false
		}
	}
	return true
}
