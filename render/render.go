// Package render builds the notification content that represents a task on
// the messaging surface. It is pure: no I/O, no clock except where a caller
// passes a time in.
package render

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vinayprograms/taskboard/store"
)

// View selects which representation of a task to build.
type View string

const (
	ViewOpen       View = "open"
	ViewInProgress View = "in_progress"
	ViewCompleted  View = "completed"
)

// ViewFor maps a stored status to its view.
func ViewFor(s store.Status) View {
	if s == store.StatusInProgress {
		return ViewInProgress
	}
	return ViewOpen
}

// Embed colors.
const (
	ColorBlue   = 0x3498db
	ColorOrange = 0xe67e22
	ColorGreen  = 0x2ecc71
)

// Content is one postable message.
type Content struct {
	Text    string   `json:"text,omitempty"`
	Embed   *Embed   `json:"embed,omitempty"`
	Buttons []Button `json:"buttons,omitempty"`
}

// Embed is a titled card with fields.
type Embed struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Color       int       `json:"color"`
	Fields      []Field   `json:"fields,omitempty"`
	Footer      string    `json:"footer,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Field is a name/value row of an embed.
type Field struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

// Button is an action control attached to a message.
type Button struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Emoji string `json:"emoji,omitempty"`
	Style string `json:"style"`
}

// Mention formats an actor id as a surface mention.
func Mention(id string) string {
	return "<@" + id + ">"
}

func footer(id int64) string {
	return "Task ID: " + strconv.FormatInt(id, 10)
}

// Render builds the open or in-progress card for t. ViewCompleted is not
// valid here; use Completed.
func Render(t *store.Task, view View) Content {
	embed := &Embed{
		Description: "**Description:**\n" + t.Description,
		Fields: []Field{
			{Name: "Created By", Value: Mention(t.CreatorID), Inline: true},
		},
		Footer:    footer(t.ID),
		Timestamp: t.CreatedAt,
	}

	var button Button
	switch view {
	case ViewInProgress:
		embed.Title = "⏳ Task In Progress"
		embed.Color = ColorOrange
		if t.AssigneeID != "" {
			embed.Fields = append(embed.Fields, Field{Name: "Assigned To", Value: Mention(t.AssigneeID), Inline: true})
		}
		button = Button{ID: ActionID(ActionComplete, t.ID), Label: "Complete Task", Emoji: "✅", Style: "primary"}
	default:
		embed.Title = "📬 Open Task"
		embed.Color = ColorBlue
		button = Button{ID: ActionID(ActionClaim, t.ID), Label: "Claim Task", Emoji: "🙋", Style: "success"}
	}

	return Content{Embed: embed, Buttons: []Button{button}}
}

// Completed builds the one-shot completion log entry.
func Completed(t *store.Task, completedBy string, at time.Time) Content {
	assignee := "N/A"
	if t.AssigneeID != "" {
		assignee = Mention(t.AssigneeID)
	}
	return Content{Embed: &Embed{
		Title:       "✅ Task Completed!",
		Description: "**Original Description:**\n" + t.Description,
		Color:       ColorGreen,
		Fields: []Field{
			{Name: "Created By", Value: Mention(t.CreatorID), Inline: true},
			{Name: "Originally Assigned To", Value: assignee, Inline: true},
			{Name: "Completed By", Value: Mention(completedBy), Inline: true},
			{Name: "Created At", Value: t.CreatedAt.UTC().Format(time.RFC3339)},
			{Name: "Completed At", Value: at.UTC().Format(time.RFC3339)},
		},
		Footer:    footer(t.ID),
		Timestamp: at,
	}}
}

// Welcome is posted when the service joins a workspace.
func Welcome() Content {
	return Content{Text: "Hello! I'm the Task Bot. An administrator needs to set me up:\n" +
		"➡️ Use `/setup open_channel` for new tasks.\n" +
		"➡️ Use `/setup inprogress_channel` for claimed tasks.\n" +
		"➡️ Use `/setup completed_channel` (optional) for logging completed tasks.\n" +
		"➡️ If you have tasks from an older version of me, use `/resync_tasks` once after setup."}
}

// MaxSummaryFailures caps the failure lines shown in a resync summary.
const MaxSummaryFailures = 5

// ResyncSummary reports the outcome of a workspace resync.
func ResyncSummary(open, inProgress int, failures []string) string {
	var b strings.Builder
	b.WriteString("✅ Resync Complete!\n")
	fmt.Fprintf(&b, "📬 Open Tasks Resynced: %d\n", open)
	fmt.Fprintf(&b, "⏳ In-Progress Tasks Resynced: %d\n", inProgress)
	if len(failures) > 0 {
		b.WriteString("\n⚠️ Errors Encountered (see logs for full details):\n")
		shown := failures
		if len(shown) > MaxSummaryFailures {
			shown = shown[:MaxSummaryFailures]
		}
		for _, f := range shown {
			b.WriteString("- " + f + "\n")
		}
		if extra := len(failures) - len(shown); extra > 0 {
			fmt.Fprintf(&b, "...and %d more\n", extra)
		}
	}
	b.WriteString("\nℹ️ *If any old task messages still appear, you may need to delete them manually.*")
	return b.String()
}
