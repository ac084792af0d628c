// Package generate implements the germinal task suggester: when the
// evaluator recommends generating a task without dispatching a webhook
// (pressure is elevated but not yet over threshold), this produces a
// short candidate task description from the drive that is closest to
// firing, for the /state endpoint's suggested_task field.
package generate

import (
	"fmt"

	"github.com/normanking/pulse/internal/drive"
)

// taskTemplates maps a drive name to a phrasing for the suggestion. A
// drive with no template falls back to a generic phrasing.
var taskTemplates = map[string]string{
	"goals":      "Review outstanding goals and pick the next concrete step.",
	"growth":     "Spend a cycle on a skill or topic that has been neglected.",
	"curiosity":  "Follow up on an open question noticed recently.",
	"unfinished": "Return to an unfinished hypothesis or task and close it out.",
	"system":     "Check recent system or persistence health signals.",
}

// Suggest returns a short task description seeded from the drive closest
// to threshold, given its weighted pressure. It never dispatches a
// webhook or touches cooldown/rate-limit accounting — it only seeds the
// state surface for the operator or agent to consider.
func Suggest(topDrive string, topPressure float64) string {
	template, ok := taskTemplates[topDrive]
	if !ok {
		template = fmt.Sprintf("Attend to the %q drive, which is approaching threshold.", topDrive)
	}
	return fmt.Sprintf("%s (pressure %.2f)", template, topPressure)
}

// SuggestFromEngine is a convenience wrapper around Suggest that reads
// the current top drive directly from the engine.
func SuggestFromEngine(e *drive.Engine) string {
	name, pressure := e.TopDrive()
	if name == "" {
		return ""
	}
	return Suggest(name, pressure)
}
