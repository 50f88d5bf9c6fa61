package signaler

import (
	"encoding/json"
	"fmt"
)

// ParseEvent decodes one relay line `{ "event": ..., ...fields }`.
// fallbackTopic is used when the object has no topic field.
func ParseEvent(line []byte, fallbackTopic string) (ev Event, err error) {
	var fields map[string]any
	if err = json.Unmarshal(line, &fields); err != nil {
		return ev, fmt.Errorf("parse relay event: %w", err)
	}
	name, _ := fields["event"].(string)
	delete(fields, "event")
	if name == "" {
		name = EventMessage
	}
	ev = Event{
		Name:   name,
		Topic:  fallbackTopic,
		Fields: fields,
	}
	if topic, ok := fields["topic"].(string); ok && topic != "" {
		ev.Topic = topic
	}
	fields["topic"] = ev.Topic
	ev.ID, _ = fields["id"].(string)
	ev.Message, _ = fields["message"].(string)
	return ev, nil
}
