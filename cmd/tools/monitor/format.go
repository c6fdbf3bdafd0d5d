package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/fisaks/relexbox/internal/config"
	"github.com/fisaks/relexbox/internal/edge"
)

// formatMessage renders one MQTT message as a single line.
func formatMessage(topic string, payload []byte) string {
	switch {
	case strings.HasSuffix(topic, "/catalog"):
		return topic + " " + formatCatalog(payload)
	case strings.HasSuffix(topic, "/state"):
		return topic + " " + formatState(payload)
	case strings.HasSuffix(topic, "/event"):
		return topic + " " + formatEvent(payload)
	default:
		return topic + " " + string(payload)
	}
}

func formatCatalog(payload []byte) string {
	var msg config.EdgeCatalogMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Sprintf("%s (error: %v)", payload, err)
	}
	parts := make([]string, 0, len(msg.Boxes))
	for _, b := range msg.Boxes {
		parts = append(parts, fmt.Sprintf("%s@%s:%d relays=%d inputs=%d", b.Name, b.Host, b.Port, b.Relays, b.Inputs))
	}
	return fmt.Sprintf("catalog boxes=%d [%s]", len(msg.Boxes), strings.Join(parts, ", "))
}

func formatState(payload []byte) string {
	if len(payload) == 0 {
		return "(cleared)"
	}
	var st edge.BoxState
	if err := json.Unmarshal(payload, &st); err != nil {
		return fmt.Sprintf("%s (error: %v)", payload, err)
	}
	line := fmt.Sprintf("%s status=%s relays=%s inputs=%s", st.Name, st.Status, st.Relays, st.Inputs)
	if st.Attempt > 0 {
		line += fmt.Sprintf(" attempt=%d", st.Attempt)
	}
	if st.Error != "" {
		line += fmt.Sprintf(" error=%q", st.Error)
	}
	return line
}

func formatEvent(payload []byte) string {
	var ev edge.BoxEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return fmt.Sprintf("%s (error: %v)", payload, err)
	}
	keys := make([]string, 0, len(ev.Detail))
	for k := range ev.Detail {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(ev.Type)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, ev.Detail[k])
	}
	return b.String()
}
