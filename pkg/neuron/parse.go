package neuron

import "strings"

// directive grammar:
//
//	FORWARD_TO: a,b,c
//	CONTENT:
//	<free text, everything after the CONTENT: line>
//
//	BACKWARD_TO: x,y
//	ERROR_TYPE: some_error
//
// Only directives naming one of the neuron's configured forward/backward
// connections are honored — an unconfigured target is silently dropped,
// matching the original's `contains(&target)` guard.
func findLine(lines []string, prefix string) (string, bool) {
	for _, l := range lines {
		if strings.HasPrefix(l, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(l, prefix)), true
		}
	}
	return "", false
}

func splitTargets(raw string) []string {
	var out []string
	for _, t := range strings.Split(raw, ",") {
		t = strings.TrimSpace(t)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

func contentAfter(lines []string, marker string) string {
	idx := -1
	for i, l := range lines {
		if strings.HasPrefix(l, marker) {
			idx = i
			break
		}
	}
	if idx < 0 || idx+1 >= len(lines) {
		return ""
	}
	return strings.TrimRight(strings.Join(lines[idx+1:], "\n"), "\r\n")
}

// ParseResponse turns a cognition callable's raw text response into child
// signals, honoring only directives that name one of n's configured
// connections.
func (n *Neuron) ParseResponse(response string, original Signal) []Signal {
	lines := strings.Split(response, "\n")
	var signals []Signal

	if raw, ok := findLine(lines, "FORWARD_TO:"); ok {
		content := contentAfter(lines, "CONTENT:")
		for _, target := range splitTargets(raw) {
			if !n.hasForward(target) {
				continue
			}
			signals = append(signals, NewForward(n.id, target, n.layer, n.targetLayer(target), content))
		}
	}

	if raw, ok := findLine(lines, "BACKWARD_TO:"); ok {
		errType, _ := findLine(lines, "ERROR_TYPE:")
		if errType == "" {
			errType = "Unknown"
		}
		for _, target := range splitTargets(raw) {
			if !n.hasBackward(target) {
				continue
			}
			// Distinct from the router's synthesized backward-gradient
			// magnitude (1.0, see pkg/router): a directive-driven backward
			// signal authored by the cognition callable itself carries a
			// lower default magnitude of 0.5.
			signals = append(signals, NewBackward(n.id, target, n.layer, n.targetLayer(target), errType, 0.5))
		}
	}

	return signals
}

func (n *Neuron) hasForward(target string) bool {
	for _, c := range n.forwardConnections {
		if c == target {
			return true
		}
	}
	return false
}

func (n *Neuron) hasBackward(target string) bool {
	for _, c := range n.backwardConnections {
		if c == target {
			return true
		}
	}
	return false
}
