package framer

import (
	"errors"
	"fmt"
	"slices"

	"github.com/chronologos/telem/internal/protocol"
	"github.com/chronologos/telem/internal/telem"
)

// Stream targets served by the relay.
const (
	WriterTarget   = "/frame/write"
	StreamerTarget = "/frame/stream"
)

// AuthorityAbsolute is the highest control authority a writer can hold.
const AuthorityAbsolute uint8 = 255

var ErrUnauthorized = errors.New("unauthorized")

func init() {
	protocol.RegisterSentinel("framer.unauthorized", ErrUnauthorized)
	protocol.RegisterSentinel("framer.schema_mismatch", ErrSchemaMismatch)
	protocol.RegisterSentinel("framer.malformed_frame", ErrMalformedFrame)
}

// WriterCommand selects the operation of a WriterRequest.
type WriterCommand uint8

const (
	WriterOpen WriterCommand = iota
	WriterWrite
	WriterCommit
	WriterSetAuthority
)

func (c WriterCommand) String() string {
	switch c {
	case WriterOpen:
		return "open"
	case WriterWrite:
		return "write"
	case WriterCommit:
		return "commit"
	case WriterSetAuthority:
		return "set_authority"
	default:
		return fmt.Sprintf("command(%d)", uint8(c))
	}
}

// WriterConfig configures a writer. On open, Keys lists every channel the
// writer may write to. On set authority, Keys and Authorities are parallel,
// or a single authority applies to every key.
type WriterConfig struct {
	Keys              []telem.ChannelKey `json:"keys"`
	Authorities       []uint8            `json:"authorities,omitempty"`
	Start             telem.TimeStamp    `json:"start,omitempty"`
	Name              string             `json:"name,omitempty"`
	ErrOnUnauthorized bool               `json:"err_on_unauthorized,omitempty"`
}

// WriterRequest is sent from writer clients to the server.
type WriterRequest struct {
	Command WriterCommand `json:"command"`
	Config  WriterConfig  `json:"config"`
	Frame   telem.Frame   `json:"frame"`
}

func (r WriterRequest) Validate() error {
	switch r.Command {
	case WriterOpen:
		if len(r.Config.Keys) == 0 {
			return errors.New("writer open requires at least one channel")
		}
		if len(uniqueKeys(r.Config.Keys)) != len(r.Config.Keys) {
			return errors.New("writer open has duplicate channels")
		}
		return validateAuthorities(r.Config)
	case WriterSetAuthority:
		if len(r.Config.Authorities) == 0 {
			return errors.New("set authority requires authorities")
		}
		return validateAuthorities(r.Config)
	case WriterWrite:
		if len(r.Frame.Keys) != len(r.Frame.Series) {
			return fmt.Errorf("frame has %d keys but %d series", len(r.Frame.Keys), len(r.Frame.Series))
		}
	case WriterCommit:
	default:
		return fmt.Errorf("unknown writer command %d", uint8(r.Command))
	}
	return nil
}

func validateAuthorities(cfg WriterConfig) error {
	n := len(cfg.Authorities)
	if n == 0 || n == 1 || n == len(cfg.Keys) {
		return nil
	}
	return fmt.Errorf("%d authorities do not match %d channels", n, len(cfg.Keys))
}

// WriterResponse acknowledges open, commit and set authority requests, and
// reports asynchronous write failures.
type WriterResponse struct {
	Command    WriterCommand          `json:"command"`
	End        telem.TimeStamp        `json:"end,omitempty"`
	Authorized bool                   `json:"authorized"`
	Error      *protocol.ErrorPayload `json:"error,omitempty"`
}

// Err decodes the response's error payload.
func (r WriterResponse) Err() error {
	if r.Error == nil {
		return nil
	}
	return protocol.DecodeError(*r.Error)
}

// StreamerRequest opens a streamer on a set of channels.
type StreamerRequest struct {
	Keys []telem.ChannelKey `json:"keys"`
}

func (r StreamerRequest) Validate() error {
	if len(r.Keys) == 0 {
		return errors.New("streamer requires at least one channel")
	}
	if len(uniqueKeys(r.Keys)) != len(r.Keys) {
		return errors.New("streamer has duplicate channels")
	}
	return nil
}

// StreamerResponse carries frames to streamer clients.
type StreamerResponse struct {
	Frame telem.Frame `json:"frame"`
}

func uniqueKeys(keys []telem.ChannelKey) []telem.ChannelKey {
	out := slices.Clone(keys)
	slices.Sort(out)
	return slices.Compact(out)
}
