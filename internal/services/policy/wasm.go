package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
)

// opa_eval result format 0 is a JSON string.
const evalFormatJSON = 0

// WasmEvaluator runs an OPA-compiled policy bundle through the
// one-shot opa_eval ABI. The bundle is compiled once; every
// evaluation instantiates a fresh, anonymous module so concurrent
// requests never share guest state.
type WasmEvaluator struct {
	runtime    wazero.Runtime
	compiled   wazero.CompiledModule
	logger     *zap.Logger
	entrypoint uint64
}

type abortKey struct{}

// abortSink carries the guest's opa_abort message out of the trapped
// call. One sink per evaluation keeps concurrent calls independent.
type abortSink struct {
	msg string
}

func NewWasmEvaluator(ctx context.Context, path string, logger *zap.Logger) (*WasmEvaluator, error) {
	bundle, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy bundle: %w", err)
	}

	runtime := wazero.NewRuntime(ctx)

	builder := runtime.NewHostModuleBuilder("env")
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, addr uint32) {
			msg := readCString(mod.Memory(), addr)
			if sink, ok := ctx.Value(abortKey{}).(*abortSink); ok {
				sink.msg = msg
			}
			panic("opa_abort: " + msg)
		}).Export("opa_abort")
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, addr uint32) {
			logger.Debug("policy println", zap.String("msg", readCString(mod.Memory(), addr)))
		}).Export("opa_println")
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, id, opactx uint32) uint32 {
			panic(fmt.Sprintf("policy bundle requires unsupported host builtin %d", id))
		}).Export("opa_builtin0")
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, id, opactx, a uint32) uint32 {
			panic(fmt.Sprintf("policy bundle requires unsupported host builtin %d", id))
		}).Export("opa_builtin1")
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, id, opactx, a, b uint32) uint32 {
			panic(fmt.Sprintf("policy bundle requires unsupported host builtin %d", id))
		}).Export("opa_builtin2")
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, id, opactx, a, b, c uint32) uint32 {
			panic(fmt.Sprintf("policy bundle requires unsupported host builtin %d", id))
		}).Export("opa_builtin3")
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, id, opactx, a, b, c, d uint32) uint32 {
			panic(fmt.Sprintf("policy bundle requires unsupported host builtin %d", id))
		}).Export("opa_builtin4")

	if _, err := builder.Instantiate(ctx); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate policy host module: %w", err)
	}

	compiled, err := runtime.CompileModule(ctx, bundle)
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to compile policy bundle: %w", err)
	}

	logger.Info("Policy bundle loaded", zap.String("path", path))

	return &WasmEvaluator{
		runtime:  runtime,
		compiled: compiled,
		logger:   logger,
	}, nil
}

// Evaluate runs the bundle's default entrypoint over the input and
// returns its decision.
func (e *WasmEvaluator) Evaluate(ctx context.Context, input map[string]interface{}) (bool, error) {
	if err := validateInput(input); err != nil {
		return false, err
	}

	raw, err := json.Marshal(input)
	if err != nil {
		return false, fmt.Errorf("failed to encode policy input: %w", err)
	}

	sink := &abortSink{}
	ctx = context.WithValue(ctx, abortKey{}, sink)

	// Anonymous module names allow concurrent instantiation from the
	// same compiled bundle.
	mod, err := e.runtime.InstantiateModule(ctx, e.compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return false, fmt.Errorf("failed to instantiate policy module: %w", err)
	}
	defer mod.Close(ctx)

	heapFn := mod.ExportedFunction("opa_heap_ptr_get")
	evalFn := mod.ExportedFunction("opa_eval")
	if heapFn == nil || evalFn == nil {
		return false, fmt.Errorf("policy module does not export the opa_eval ABI")
	}

	heap, err := heapFn.Call(ctx)
	if err != nil {
		return false, evalError(err, sink)
	}
	inputAddr := uint32(heap[0])

	if err := writeGuest(mod.Memory(), inputAddr, raw); err != nil {
		return false, err
	}

	out, err := evalFn.Call(ctx,
		0,                               // reserved
		e.entrypoint,                    // entrypoint id
		0,                               // data address (none)
		uint64(inputAddr),               // input address
		uint64(len(raw)),                // input length
		uint64(inputAddr)+uint64(len(raw)), // new heap pointer
		evalFormatJSON,
	)
	if err != nil {
		return false, evalError(err, sink)
	}

	result := readCString(mod.Memory(), uint32(out[0]))
	return parseDecision([]byte(result))
}

func (e *WasmEvaluator) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}

func evalError(err error, sink *abortSink) error {
	if sink.msg != "" {
		return fmt.Errorf("policy evaluation aborted: %s", sink.msg)
	}
	return fmt.Errorf("policy evaluation failed: %w", err)
}

// writeGuest copies data into guest memory at addr, growing the
// memory when the write would land past the current size.
func writeGuest(mem api.Memory, addr uint32, data []byte) error {
	needed := uint64(addr) + uint64(len(data))
	if size := uint64(mem.Size()); needed > size {
		pages := uint32((needed - size + 65535) / 65536)
		if _, ok := mem.Grow(pages); !ok {
			return fmt.Errorf("policy module memory cannot grow to %d bytes", needed)
		}
	}
	if !mem.Write(addr, data) {
		return fmt.Errorf("policy input write out of bounds at %d", addr)
	}
	return nil
}

// readCString reads a NUL-terminated string from guest memory.
func readCString(mem api.Memory, addr uint32) string {
	var out []byte
	for {
		b, ok := mem.ReadByte(addr)
		if !ok || b == 0 {
			return string(out)
		}
		out = append(out, b)
		addr++
	}
}
