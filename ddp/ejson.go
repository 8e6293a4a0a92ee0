package ddp

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// A Document is the unit of replication: a JSON object addressed by a
// string `_id`. Values are EJSON, which is JSON plus two scalar wrappers,
// `{$date: epoch-ms}` and `{$binary: base64}`.
type Document map[string]any

func (self Document) Id() string {
	id, _ := self["_id"].(string)
	return id
}

func (self Document) Clone() Document {
	out := make(Document, len(self))
	for k, v := range self {
		out[k] = v
	}
	return out
}

// Time is a time.Time that round-trips through the `{$date: epoch-ms}`
// wire wrapper. Use it for temporal fields on typed collection elements.
type Time struct {
	time.Time
}

func DateTime(t time.Time) Time {
	return Time{Time: t}
}

func DateTimeMillis(epochMillis int64) Time {
	return Time{Time: time.UnixMilli(epochMillis).UTC()}
}

func (self Time) EpochMillis() int64 {
	return self.Time.UnixMilli()
}

func (self Time) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]int64{
		"$date": self.Time.UnixMilli(),
	})
}

func (self *Time) UnmarshalJSON(src []byte) error {
	var wrapper struct {
		Date *json.Number `json:"$date"`
	}
	if err := json.Unmarshal(src, &wrapper); err != nil {
		return err
	}
	if wrapper.Date == nil {
		return fmt.Errorf("not an ejson date: %s", string(src))
	}
	millis, err := wrapper.Date.Int64()
	if err != nil {
		// some servers emit the epoch as a float
		f, ferr := wrapper.Date.Float64()
		if ferr != nil {
			return err
		}
		millis = int64(f)
	}
	*self = DateTimeMillis(millis)
	return nil
}

// Binary round-trips through the `{$binary: base64}` wire wrapper.
type Binary []byte

func (self Binary) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{
		"$binary": base64.StdEncoding.EncodeToString(self),
	})
}

func (self *Binary) UnmarshalJSON(src []byte) error {
	var wrapper struct {
		Binary *string `json:"$binary"`
	}
	if err := json.Unmarshal(src, &wrapper); err != nil {
		return err
	}
	if wrapper.Binary == nil {
		return fmt.Errorf("not ejson binary: %s", string(src))
	}
	b, err := base64.StdEncoding.DecodeString(*wrapper.Binary)
	if err != nil {
		return err
	}
	*self = Binary(b)
	return nil
}

// exportValue rewrites an outgoing value into plain JSON-marshalable
// form: temporal and binary scalars become their EJSON wrappers, and any
// value handled by a registered codec is encoded and re-emitted as a
// document. Arrays and documents recurse.
func exportValue(value any, codecs *CodecRegistry) any {
	switch v := value.(type) {
	case nil:
		return nil
	case time.Time:
		return map[string]any{"$date": v.UnixMilli()}
	case Time:
		return map[string]any{"$date": v.EpochMillis()}
	case []byte:
		return map[string]any{"$binary": base64.StdEncoding.EncodeToString(v)}
	case Binary:
		return map[string]any{"$binary": base64.StdEncoding.EncodeToString(v)}
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = exportValue(e, codecs)
		}
		return out
	case Document:
		return exportDocument(v, codecs)
	case map[string]any:
		return exportDocument(Document(v), codecs)
	default:
		if codecs != nil {
			if codec := codecs.codecForValue(v); codec != nil {
				doc, err := codecs.encodeToDocument(codec, v)
				if err == nil {
					return map[string]any(doc)
				}
				// fall through to the raw value
			}
		}
		return v
	}
}

func exportDocument(doc Document, codecs *CodecRegistry) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = exportValue(v, codecs)
	}
	return out
}
