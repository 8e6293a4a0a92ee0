package ddp

import (
	"encoding/json"
	"fmt"
	"sync"
)

// A Codec maps between the wire document for a collection and a typed
// value owned by the application. Decode receives the raw JSON of the
// full document; Encode must produce JSON that parses back to an
// equivalent document.
type Codec interface {
	Decode(data []byte) (any, error)
	Encode(value any) ([]byte, error)
	// Handles reports whether the value is of this codec's type.
	// It is used to pick a codec for outgoing call parameters.
	Handles(value any) bool
}

// JSONCodec is the standard Codec: a typed element that round-trips
// through encoding/json. Fields use the `Time` and `Binary` types for
// EJSON scalars. Decoded values are *T so that offline metadata can be
// stamped in place.
type JSONCodec[T any] struct{}

func NewJSONCodec[T any]() *JSONCodec[T] {
	return &JSONCodec[T]{}
}

func (self *JSONCodec[T]) Decode(data []byte) (any, error) {
	value := new(T)
	if err := json.Unmarshal(data, value); err != nil {
		return nil, err
	}
	return value, nil
}

func (self *JSONCodec[T]) Encode(value any) ([]byte, error) {
	switch typed := value.(type) {
	case *T:
		return json.Marshal(typed)
	case T:
		return json.Marshal(&typed)
	default:
		return nil, fmt.Errorf("codec cannot encode %T", value)
	}
}

func (self *JSONCodec[T]) Handles(value any) bool {
	switch value.(type) {
	case *T, T:
		return true
	default:
		return false
	}
}

// CodecRegistry maps collection name to the codec for its elements.
// At most one codec per collection. Registering a codec does not
// retroactively convert documents already stored raw.
type CodecRegistry struct {
	mutex  sync.Mutex
	codecs map[string]Codec
}

func NewCodecRegistry() *CodecRegistry {
	return &CodecRegistry{
		codecs: map[string]Codec{},
	}
}

func (self *CodecRegistry) Register(collection string, codec Codec) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.codecs[collection] = codec
}

func (self *CodecRegistry) Codec(collection string) Codec {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.codecs[collection]
}

func (self *CodecRegistry) codecForValue(value any) Codec {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	for _, codec := range self.codecs {
		if codec.Handles(value) {
			return codec
		}
	}
	return nil
}

// decodeDocument runs a document through the collection codec.
// The document is marshaled once so the codec sees the same JSON the
// server sent.
func (self *CodecRegistry) decodeDocument(codec Codec, doc Document) (any, error) {
	data, err := json.Marshal(exportDocument(doc, nil))
	if err != nil {
		return nil, err
	}
	return codec.Decode(data)
}

// encodeToDocument re-parses the codec output so callers always hold a
// plain document.
func (self *CodecRegistry) encodeToDocument(codec Codec, value any) (Document, error) {
	data, err := codec.Encode(value)
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
