package browse

import (
	"encoding/json"
	"fmt"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
)

// inputEvent is the wire shape of one relayed client input event.
type inputEvent struct {
	Kind      string  `json:"kind"` // mouse, wheel, key, text
	Action    string  `json:"action,omitempty"`
	X         float64 `json:"x,omitempty"`
	Y         float64 `json:"y,omitempty"`
	DeltaX    float64 `json:"deltaX,omitempty"`
	DeltaY    float64 `json:"deltaY,omitempty"`
	Button    string  `json:"button,omitempty"`
	Key       string  `json:"key,omitempty"`
	Code      string  `json:"code,omitempty"`
	Text      string  `json:"text,omitempty"`
	Modifiers int64   `json:"modifiers,omitempty"`
}

// parseInputEvent translates a relayed event into CDP input dispatches.
func parseInputEvent(raw json.RawMessage) ([]chromedp.Action, error) {
	var ev inputEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("bad input event: %w", err)
	}

	switch ev.Kind {
	case "mouse":
		return mouseActions(ev)
	case "wheel":
		p := input.DispatchMouseEvent(input.MouseWheel, ev.X, ev.Y).
			WithDeltaX(ev.DeltaX).
			WithDeltaY(ev.DeltaY).
			WithModifiers(input.Modifier(ev.Modifiers))
		return []chromedp.Action{p}, nil
	case "key":
		return keyActions(ev)
	case "text":
		if ev.Text == "" {
			return nil, fmt.Errorf("text event missing text")
		}
		return []chromedp.Action{
			input.InsertText(ev.Text),
		}, nil
	default:
		return nil, fmt.Errorf("unknown input event kind %q", ev.Kind)
	}
}

func mouseActions(ev inputEvent) ([]chromedp.Action, error) {
	button := input.Left
	switch ev.Button {
	case "", "left":
	case "right":
		button = input.Right
	case "middle":
		button = input.Middle
	default:
		return nil, fmt.Errorf("unknown mouse button %q", ev.Button)
	}

	switch ev.Action {
	case "move":
		return []chromedp.Action{
			input.DispatchMouseEvent(input.MouseMoved, ev.X, ev.Y).
				WithModifiers(input.Modifier(ev.Modifiers)),
		}, nil
	case "down":
		return []chromedp.Action{
			input.DispatchMouseEvent(input.MousePressed, ev.X, ev.Y).
				WithButton(button).
				WithClickCount(1).
				WithModifiers(input.Modifier(ev.Modifiers)),
		}, nil
	case "up":
		return []chromedp.Action{
			input.DispatchMouseEvent(input.MouseReleased, ev.X, ev.Y).
				WithButton(button).
				WithClickCount(1).
				WithModifiers(input.Modifier(ev.Modifiers)),
		}, nil
	case "", "click":
		return []chromedp.Action{
			input.DispatchMouseEvent(input.MousePressed, ev.X, ev.Y).
				WithButton(button).
				WithClickCount(1).
				WithModifiers(input.Modifier(ev.Modifiers)),
			input.DispatchMouseEvent(input.MouseReleased, ev.X, ev.Y).
				WithButton(button).
				WithClickCount(1).
				WithModifiers(input.Modifier(ev.Modifiers)),
		}, nil
	default:
		return nil, fmt.Errorf("unknown mouse action %q", ev.Action)
	}
}

func keyActions(ev inputEvent) ([]chromedp.Action, error) {
	if ev.Key == "" {
		return nil, fmt.Errorf("key event missing key")
	}
	down := input.DispatchKeyEvent(input.KeyDown).
		WithKey(ev.Key).
		WithCode(ev.Code).
		WithModifiers(input.Modifier(ev.Modifiers))
	if len(ev.Key) == 1 {
		down = down.WithText(ev.Key)
	}
	up := input.DispatchKeyEvent(input.KeyUp).
		WithKey(ev.Key).
		WithCode(ev.Code).
		WithModifiers(input.Modifier(ev.Modifiers))
	switch ev.Action {
	case "down":
		return []chromedp.Action{down}, nil
	case "up":
		return []chromedp.Action{up}, nil
	case "", "press":
		return []chromedp.Action{down, up}, nil
	default:
		return nil, fmt.Errorf("unknown key action %q", ev.Action)
	}
}
