package protocol_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/anchapin/luminaguard/internal/mcp/protocol"
)

func TestOkIntoResult(t *testing.T) {
	resp := protocol.OK(1, map[string]any{"ok": true})
	v, err := resp.IntoResult()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m, ok := v.(map[string]any)
	if !ok || m["ok"] != true {
		t.Fatalf("unexpected result: %#v", v)
	}
}

func TestErrIntoResult(t *testing.T) {
	resp := protocol.Err(1, protocol.NewMethodNotFound("nope"))
	_, err := resp.IntoResult()
	if err == nil {
		t.Fatal("expected error")
	}
	if err.Error() != "[Error -32601] nope" {
		t.Fatalf("unexpected message: %s", err.Error())
	}
}

func TestBothSetIsInternalError(t *testing.T) {
	resp := &protocol.Response{
		JSONRPC: protocol.Version,
		ID:      1,
		Result:  "x",
		Error:   protocol.NewInternalError("boom"),
	}
	_, err := resp.IntoResult()
	if err == nil {
		t.Fatal("expected error")
	}
	pe, ok := err.(*protocol.Error)
	if !ok {
		t.Fatalf("expected *protocol.Error, got %T", err)
	}
	if pe.Code != protocol.CodeInternalError {
		t.Fatalf("expected internal error code, got %d", pe.Code)
	}
}

func TestRequestOmitsParamsWhenNil(t *testing.T) {
	req := protocol.NewRequest(1, "tools/list", nil)
	if req.Params != nil {
		t.Fatalf("expected nil params, got %#v", req.Params)
	}
	raw, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(raw), `"params"`) {
		t.Fatalf("expected params to be omitted from the wire form, got %s", raw)
	}
}

func TestDecode(t *testing.T) {
	resp := protocol.OK(1, map[string]any{"tools": []any{
		map[string]any{"name": "read_file"},
	}})
	var out protocol.ListToolsResult
	if err := resp.Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Tools) != 1 || out.Tools[0].Name != "read_file" {
		t.Fatalf("unexpected decode result: %#v", out)
	}
}
