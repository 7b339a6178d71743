package relay

import (
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// callKinds are the transcript item kinds that carry a tool name the
// upstream will echo back.
var callKinds = map[string]bool{
	"function_call":    true,
	"custom_tool_call": true,
}

// AddToolPrefix prepends the prefix to every tool name in the raw request
// body: the declared tool list and tool-invocation items in the transcript.
// Already-prefixed names are left alone, so the rewrite is idempotent across
// retries. The body is edited in place with targeted writes; everything else
// stays byte-identical.
func AddToolPrefix(body []byte, prefix string) ([]byte, bool) {
	if prefix == "" || len(body) == 0 {
		return body, false
	}
	changed := false

	idx := 0
	gjson.GetBytes(body, "tools").ForEach(func(_, tool gjson.Result) bool {
		name := tool.Get("name").String()
		if name != "" && !strings.HasPrefix(name, prefix) {
			if out, err := sjson.SetBytes(body, "tools."+strconv.Itoa(idx)+".name", prefix+name); err == nil {
				body = out
				changed = true
			}
		}
		idx++
		return true
	})

	idx = 0
	gjson.GetBytes(body, "input").ForEach(func(_, item gjson.Result) bool {
		if callKinds[item.Get("type").String()] {
			name := item.Get("name").String()
			if name != "" && !strings.HasPrefix(name, prefix) {
				if out, err := sjson.SetBytes(body, "input."+strconv.Itoa(idx)+".name", prefix+name); err == nil {
					body = out
					changed = true
				}
			}
		}
		// Invocation blocks nested in a message's content list carry tool
		// names too.
		blockIdx := 0
		item.Get("content").ForEach(func(_, block gjson.Result) bool {
			if callKinds[block.Get("type").String()] {
				name := block.Get("name").String()
				if name != "" && !strings.HasPrefix(name, prefix) {
					path := "input." + strconv.Itoa(idx) + ".content." + strconv.Itoa(blockIdx) + ".name"
					if out, err := sjson.SetBytes(body, path, prefix+name); err == nil {
						body = out
						changed = true
					}
				}
			}
			blockIdx++
			return true
		})
		idx++
		return true
	})

	return body, changed
}
