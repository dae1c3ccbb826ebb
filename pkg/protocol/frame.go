package protocol

import (
	"io"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// DefaultMaxFrameSize bounds a single delimited frame when no limit is given.
const DefaultMaxFrameSize = 1 << 20

// WriteFrame writes ev to w as a varint length-delimited protobuf message.
func WriteFrame(w io.Writer, ev Event) error {
	if _, err := protodelim.MarshalTo(w, ev.toProto()); err != nil {
		return errors.Wrap(err, "write frame")
	}
	return nil
}

// ReadFrame reads one length-delimited frame from r.
//
// A frame whose body is not a valid event returns an error wrapping
// ErrInvalidEvent and leaves r positioned at the next frame. A frame larger
// than maxSize, or any read error, leaves the stream unusable. Read errors are
// returned unwrapped so callers can compare against io.EOF.
func ReadFrame(r protodelim.Reader, maxSize int) (Event, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	st := &structpb.Struct{}
	err := protodelim.UnmarshalOptions{MaxSize: int64(maxSize)}.UnmarshalFrom(r, st)
	if err != nil {
		var tooLarge *protodelim.SizeTooLargeError
		if errors.As(err, &tooLarge) {
			return Event{}, errors.Wrap(err, "read frame")
		}
		if errors.Is(err, proto.Error) {
			return Event{}, errors.Wrapf(ErrInvalidEvent, "decode frame: %v", err)
		}
		return Event{}, err
	}

	var ev Event
	if err := ev.fromProto(st); err != nil {
		return Event{}, err
	}
	return ev, nil
}
