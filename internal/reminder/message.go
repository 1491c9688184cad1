// Package reminder plans daily medication reminders and delivers them.
//
// The planner writes one outbox entry per user and time-of-day period. The
// outbox relay publishes them to the medication.reminders topic, where the
// dispatcher picks them up and sends them through a Notifier.
package reminder

import (
	"fmt"
	"html"
	"strings"

	"github.com/healthsync/go-healthsync/internal/domain/medication"
)

// EventType is the outbox event type of planned reminders
const EventType = "MedicationReminder"

// Reminder is the message published for one (user, date, period) slot
type Reminder struct {
	Key         string `json:"key"`
	UserID      string `json:"userId"`
	UserName    string `json:"userName"`
	ChatID      int64  `json:"chatId"`
	Date        string `json:"date"`
	Period      string `json:"period"`
	Medications []Item `json:"medications"`
}

// Item is one medication to take in the slot
type Item struct {
	Name           string `json:"name"`
	Dosage         string `json:"dosage"`
	When           string `json:"when"`
	IsRestRequired bool   `json:"isRestRequired,omitempty"`
}

func itemsFrom(meds []*medication.Medication) []Item {
	items := make([]Item, 0, len(meds))
	for _, m := range meds {
		items = append(items, Item{Name: m.Name, Dosage: m.Dosage, When: m.When, IsRestRequired: m.IsRestRequired})
	}
	return items
}

// Text renders the reminder as Telegram HTML
func (r Reminder) Text() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "<b>%s medications</b> for %s\n", html.EscapeString(r.Period), r.Date)
	if r.UserName != "" {
		fmt.Fprintf(&sb, "Hi %s, time for:\n", html.EscapeString(r.UserName))
	}
	for _, it := range r.Medications {
		fmt.Fprintf(&sb, "\n• %s %s (%s)", html.EscapeString(it.Name), html.EscapeString(it.Dosage), html.EscapeString(it.When))
		if it.IsRestRequired {
			sb.WriteString(" - rest afterwards")
		}
	}
	return sb.String()
}
