package rpc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/gignet/internal/protocol"
)

var (
	ErrUnknownObject   = errors.New("unknown rpc object")
	ErrUnknownMethod   = errors.New("unknown rpc method")
	ErrDuplicateMethod = errors.New("rpc method already registered")
	ErrUnsupportedKind = errors.New("unsupported rpc argument kind")
	ErrNotRPC          = errors.New("payload is not an rpc frame")
)

// Handler receives the decoded arguments of one call.
type Handler func(args []Arg)

// Method is a registered RPC entry point with its declared signature.
type Method struct {
	Name   string
	Params []Kind
	Handle Handler
}

// Call is a decoded RPC header with the undecoded argument bytes.
type Call struct {
	ObjectID int32
	Method   string
	Args     []byte
}

// Router maps (object id, method name) to handlers. Safe for concurrent use;
// handlers run on the dispatching goroutine and must not block.
type Router struct {
	mu      sync.RWMutex
	objects map[int32]map[string]Method
	logger  zerolog.Logger
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{
		objects: make(map[int32]map[string]Method),
		logger:  log.With().Str("component", "rpc_router").Logger(),
	}
}

// Register binds a handler to objectID.name with the given parameter kinds.
func (r *Router) Register(objectID int32, name string, params []Kind, h Handler) error {
	if h == nil {
		return fmt.Errorf("rpc %d.%s: nil handler", objectID, name)
	}
	for _, k := range params {
		if _, ok := kindNames[k]; !ok {
			return fmt.Errorf("rpc %d.%s: %w: %s", objectID, name, ErrUnsupportedKind, k)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	methods, ok := r.objects[objectID]
	if !ok {
		methods = make(map[string]Method)
		r.objects[objectID] = methods
	}
	if _, exists := methods[name]; exists {
		return fmt.Errorf("rpc %d.%s: %w", objectID, name, ErrDuplicateMethod)
	}

	methods[name] = Method{Name: name, Params: append([]Kind(nil), params...), Handle: h}
	r.logger.Debug().Int32("object_id", objectID).Str("method", name).Msg("registered rpc")
	return nil
}

// Unregister removes every method of objectID, e.g. when the object despawns.
func (r *Router) Unregister(objectID int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.objects, objectID)
}

// Count returns the number of registered objects.
func (r *Router) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.objects)
}

func (r *Router) lookup(objectID int32, name string) (Method, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	methods, ok := r.objects[objectID]
	if !ok {
		return Method{}, fmt.Errorf("%w: %d", ErrUnknownObject, objectID)
	}
	m, ok := methods[name]
	if !ok {
		return Method{}, fmt.Errorf("%w: %d.%s", ErrUnknownMethod, objectID, name)
	}
	return m, nil
}

// Dispatch decodes a tagged RPC payload and invokes the matching handler.
// Unknown objects and methods are logged and returned as errors; they never
// panic and leave the router usable for later frames.
func (r *Router) Dispatch(payload []byte) error {
	tag, body, err := protocol.SplitTag(payload)
	if err != nil {
		return err
	}
	if tag != protocol.PackRPC {
		return fmt.Errorf("%w: %s", ErrNotRPC, tag)
	}

	call, err := ParseCall(body)
	if err != nil {
		r.logger.Warn().Err(err).Msg("malformed rpc frame")
		return err
	}

	m, err := r.lookup(call.ObjectID, call.Method)
	if err != nil {
		r.logger.Warn().Err(err).Msg("dropping rpc")
		return err
	}

	args, err := DecodeArgs(call.Args, m.Params)
	if err != nil {
		r.logger.Warn().Err(err).Int32("object_id", call.ObjectID).Str("method", call.Method).Msg("failed to decode rpc arguments")
		return err
	}

	return r.invoke(call, m, args)
}

func (r *Router) invoke(call Call, m Method, args []Arg) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().
				Interface("panic", rec).
				Int32("object_id", call.ObjectID).
				Str("method", call.Method).
				Msg("rpc handler panicked")
			err = fmt.Errorf("rpc %d.%s panicked: %v", call.ObjectID, call.Method, rec)
		}
	}()
	m.Handle(args)
	return nil
}

// ParseCall decodes the RPC header following the tag.
// Format: [object_id:4][name_len:2][name][args...]
func ParseCall(body []byte) (Call, error) {
	r := protocol.NewReader(body)
	objectID, err := r.ReadInt32()
	if err != nil {
		return Call{}, fmt.Errorf("failed to parse rpc object id: %w", err)
	}
	nameLen, err := r.ReadUint16()
	if err != nil {
		return Call{}, fmt.Errorf("failed to parse rpc name length: %w", err)
	}
	if int(nameLen) > r.Remaining() {
		return Call{}, fmt.Errorf("failed to parse rpc name: %w", protocol.ErrShortBuffer)
	}
	rest := r.Rest()
	return Call{
		ObjectID: objectID,
		Method:   string(rest[:nameLen]),
		Args:     rest[nameLen:],
	}, nil
}

// Encode builds a complete RPC frame for objectID.method(args...).
func Encode(objectID int32, method string, args ...Arg) ([]byte, error) {
	if len(method) > 0xFFFF {
		return nil, fmt.Errorf("rpc method name too long: %d bytes", len(method))
	}
	b := protocol.NewPacketBuilder(protocol.PackRPC).
		WriteInt32(objectID).
		WriteUint16(uint16(len(method))).
		WriteBytes([]byte(method))
	for i, a := range args {
		if err := a.encode(b); err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
	}
	return b.Frame(), nil
}
