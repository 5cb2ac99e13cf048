package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"time"

	"peerbus/config"
	"peerbus/swarm/client"

	"github.com/fxamacker/cbor/v2"

	log "github.com/sirupsen/logrus"
)

// jsonify turns a generically decoded CBOR document into something encoding/json accepts
func jsonify(v any) any {
	switch x := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[fmt.Sprint(k)] = jsonify(e)
		}
		return out
	case []any:
		for i, e := range x {
			x[i] = jsonify(e)
		}
		return x
	default:
		return v
	}
}

// integers turns whole JSON numbers into integers so that they decode into integer fields
func integers(v any) any {
	switch x := v.(type) {
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return int64(x)
		}
		return x
	case map[string]any:
		for k, e := range x {
			x[k] = integers(e)
		}
		return x
	case []any:
		for i, e := range x {
			x[i] = integers(e)
		}
		return x
	default:
		return v
	}
}

// RunCall invokes an endpoint of a running node with a JSON request and prints the JSON response
func RunCall(ctx context.Context, cfg *config.Config, endpoint string, request string, timeout time.Duration) {
	var req any
	if request != "" {
		if err := json.Unmarshal([]byte(request), &req); err != nil {
			log.Fatalf("Request is not valid JSON: %v", err)
		}
		req = integers(req)
	}

	c, err := client.Dial(cfg.Network.RpcListen)
	if err != nil {
		log.Fatalf("Failed to connect to %s: %v", cfg.Network.RpcListen, err)
	}
	defer c.Close()

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := c.Invoke(cctx, endpoint, req)
	if err != nil {
		log.Fatalf("Call to %s failed: %v", endpoint, err)
	}

	out := map[string]any{"ok": res.Ok}
	if res.Error != "" {
		out["error"] = res.Error
	}
	if len(res.Endpoints) > 0 {
		out["endpoints"] = res.Endpoints
	}
	if len(res.Result) > 0 {
		var result any
		if err := cbor.Unmarshal(res.Result, &result); err != nil {
			log.Fatalf("Malformed result: %v", err)
		}
		out["result"] = jsonify(result)
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		log.Fatalf("Failed to print response: %v", err)
	}
	fmt.Fprintln(os.Stdout, string(data))

	if !res.Ok {
		os.Exit(1)
	}
}
