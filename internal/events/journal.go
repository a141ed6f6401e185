package events

import "loraframe/studio/internal/model"

// LogRing stores user-facing studio log lines.
type LogRing interface {
	AppendLog(msg string) model.LogEntry
}

// Journal writes a studio log line to the ring and announces it on the hub.
type Journal struct {
	ring LogRing
	hub  *Hub
}

func NewJournal(ring LogRing, hub *Hub) *Journal {
	return &Journal{ring: ring, hub: hub}
}

func (j *Journal) Log(msg string) model.LogEntry {
	entry := j.ring.AppendLog(msg)
	if j.hub != nil {
		j.hub.Publish(model.EventLog, map[string]any{
			"message": entry.Message,
			"line":    entry.String(),
		})
	}
	return entry
}
