package proxy

import (
	"bytes"
	"encoding/json"
	"strings"
)

// methodUnknown labels requests whose body carried no readable
// JSON-RPC method.
const methodUnknown = "unknown"

// ExtractMethods pulls the JSON-RPC method name(s) out of an execution
// request body. Single objects yield one method, batches yield one per
// element in order. Bodies that are not JSON-RPC shaped yield
// ["unknown"] so every request still gets a method label.
func ExtractMethods(contentType string, body []byte) []string {
	if !strings.HasPrefix(strings.ToLower(contentType), "application/json") {
		return []string{methodUnknown}
	}

	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) == 0 {
		return []string{methodUnknown}
	}

	type call struct {
		Method string `json:"method"`
	}

	if trimmed[0] == '[' {
		var batch []call
		if err := json.Unmarshal(body, &batch); err != nil || len(batch) == 0 {
			return []string{methodUnknown}
		}
		methods := make([]string, 0, len(batch))
		for _, c := range batch {
			if c.Method == "" {
				methods = append(methods, methodUnknown)
			} else {
				methods = append(methods, c.Method)
			}
		}
		return methods
	}

	var single call
	if err := json.Unmarshal(body, &single); err != nil || single.Method == "" {
		return []string{methodUnknown}
	}
	return []string{single.Method}
}
