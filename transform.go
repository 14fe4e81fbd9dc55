package ruserf

import (
	"bytes"
	"fmt"

	"github.com/hashicorp/go-msgpack/v2/codec"
	"github.com/hashicorp/serf/coordinate"
)

// tagMagicByte is the first byte of an encoded tag map. It distinguishes
// a tag map from a legacy bare role string in node meta data.
const tagMagicByte uint8 = 255

// Transform is the codec layer sitting between the node state machine and
// the raw bytes handed to the transport. It covers the three payload
// families that cross the wire: message bodies (the part after the tag
// byte), node tag maps carried in transport meta data, and network
// coordinates piggybacked on ping acks.
//
// Implementations must be safe for concurrent use. Most embedders want
// the default msgpack implementation installed by Config.Init; a custom
// Transform is only needed to interoperate with a foreign encoding.
type Transform interface {
	// EncodeMessageBody encodes a message body, without the leading tag byte.
	EncodeMessageBody(msg interface{}) ([]byte, error)

	// DecodeMessageBody decodes a message body into out.
	DecodeMessageBody(buf []byte, out interface{}) error

	// EncodeTags encodes a tag map for transport meta data.
	EncodeTags(tags map[string]string) ([]byte, error)

	// DecodeTags decodes transport meta data back into a tag map. It must
	// tolerate arbitrary input since meta bytes arrive from the network;
	// undecodable input yields a best-effort result, never an error.
	DecodeTags(buf []byte) map[string]string

	// EncodeCoordinate and DecodeCoordinate convert network coordinates
	// for the ping piggyback and the snapshot journal.
	EncodeCoordinate(c *coordinate.Coordinate) ([]byte, error)
	DecodeCoordinate(buf []byte) (*coordinate.Coordinate, error)
}

// msgpackTransform is the default Transform. The wire shapes it produces
// are the protocol: tag-prefixed msgpack bodies, magic-prefixed msgpack
// tag maps.
type msgpackTransform struct{}

func (msgpackTransform) EncodeMessageBody(msg interface{}) ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	handle := codec.MsgpackHandle{}
	err := codec.NewEncoder(buf, &handle).Encode(msg)
	return buf.Bytes(), err
}

func (msgpackTransform) DecodeMessageBody(buf []byte, out interface{}) error {
	var handle codec.MsgpackHandle
	return codec.NewDecoder(bytes.NewReader(buf), &handle).Decode(out)
}

func (msgpackTransform) EncodeTags(tags map[string]string) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(tagMagicByte)

	handle := codec.MsgpackHandle{}
	if err := codec.NewEncoder(&buf, &handle).Encode(tags); err != nil {
		return nil, fmt.Errorf("failed to encode tags: %v", err)
	}
	return buf.Bytes(), nil
}

func (msgpackTransform) DecodeTags(buf []byte) map[string]string {
	tags := make(map[string]string)

	// Backwards compatibility mode: meta data that does not carry the
	// magic byte is an old-style bare role string.
	if len(buf) == 0 || buf[0] != tagMagicByte {
		tags["role"] = string(buf)
		return tags
	}

	var handle codec.MsgpackHandle
	if err := codec.NewDecoder(bytes.NewReader(buf[1:]), &handle).Decode(&tags); err != nil {
		// Undecodable tag data yields an empty map
		return make(map[string]string)
	}
	return tags
}

func (msgpackTransform) EncodeCoordinate(c *coordinate.Coordinate) ([]byte, error) {
	var buf bytes.Buffer
	handle := codec.MsgpackHandle{}
	err := codec.NewEncoder(&buf, &handle).Encode(c)
	return buf.Bytes(), err
}

func (msgpackTransform) DecodeCoordinate(buf []byte) (*coordinate.Coordinate, error) {
	var handle codec.MsgpackHandle
	var coord coordinate.Coordinate
	if err := codec.NewDecoder(bytes.NewReader(buf), &handle).Decode(&coord); err != nil {
		return nil, err
	}
	return &coord, nil
}
