package sandbox

import (
	"encoding/json"
	"fmt"
)

// dispatch processes one relayed call against the host. Errors come back
// as bridge errors, never as host panics.
func dispatch(host Host, call bridgeCall) (res bridgeResult) {
	res = bridgeResult{Kind: "result", ID: call.ID}
	defer func() {
		if r := recover(); r != nil {
			res.Value = nil
			res.Error = fmt.Sprintf("flo.%s: %v", call.Method, r)
		}
	}()

	arg := func(i int) json.RawMessage {
		if i < len(call.Args) {
			return call.Args[i]
		}
		return nil
	}
	stringArg := func(i int) string {
		var s string
		if err := json.Unmarshal(arg(i), &s); err != nil {
			return ""
		}
		return s
	}

	switch call.Method {
	case "state.get":
		if v, ok := host.StateGet(stringArg(0)); ok {
			res.Value = v
		}
	case "state.set":
		if err := host.StateSet(stringArg(0), arg(1)); err != nil {
			res.Error = err.Error()
		}
	case "state.getAll":
		all := host.StateAll()
		if data, err := json.Marshal(all); err == nil {
			res.Value = data
		} else {
			res.Error = err.Error()
		}
	case "storage.get":
		if v, ok := host.StorageGet(stringArg(0)); ok {
			res.Value = v
		}
	case "storage.set":
		host.StorageSet(stringArg(0), arg(1))
	case "storage.delete":
		host.StorageDelete(stringArg(0))
	case "storage.list":
		keys := host.StorageList()
		if keys == nil {
			keys = []string{}
		}
		data, _ := json.Marshal(keys)
		res.Value = data
	case "push":
		var payload struct {
			Title string `json:"title"`
			Body  string `json:"body"`
		}
		if err := json.Unmarshal(arg(0), &payload); err != nil {
			res.Error = "push: payload must be {title, body}"
			break
		}
		if err := host.Push(payload.Title, payload.Body); err != nil {
			res.Error = err.Error()
		}
	case "emit":
		host.Emit(stringArg(0), arg(1))
	case "notify":
		if err := host.Notify(stringArg(0)); err != nil {
			res.Error = err.Error()
		}
	case "notify_user":
		host.NotifyUser(stringArg(0))
	case "callTool":
		name := stringArg(0)
		if name == "runjs" {
			res.Error = "Recursive runjs calls are not allowed"
			break
		}
		result := host.CallTool(name, arg(1))
		if result.IsError {
			res.Error = result.Content
			break
		}
		data, _ := json.Marshal(result.Content)
		res.Value = data
	case "ask":
		// The loop cannot await the bridge while the bridge holds the loop.
		res.Error = "flo.ask is not available in sandboxed code: waiting for a reply here would deadlock the agent loop"
	default:
		res.Error = fmt.Sprintf("Unknown flo.* method: %s", call.Method)
	}
	return res
}
