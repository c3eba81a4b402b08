package usercache

import (
	"context"
	"encoding/json"

	cacheerrors "github.com/odvcencio/usercache/pkg/errors"
)

// Decoder turns a stored payload into a value of type T.
type Decoder[T any] func(data []byte) (T, error)

// JSON returns a Decoder that unmarshals JSON payloads into T.
func JSON[T any]() Decoder[T] {
	return func(data []byte) (T, error) {
		var v T
		err := json.Unmarshal(data, &v)
		return v, err
	}
}

// GetDocument decodes the current document for key and marks it read.
// A payload that does not decode leaves the read timestamp untouched.
func GetDocument[T any](ctx context.Context, c Cache, key string, decode Decoder[T]) (T, error) {
	v, _, err := getDocument(ctx, c, key, ReadAlways, decode)
	return v, err
}

// GetUpdatedDocument is GetDocument that reports ok=false, with no error,
// when the document has not been written since it was last read.
func GetUpdatedDocument[T any](ctx context.Context, c Cache, key string, decode Decoder[T]) (T, bool, error) {
	return getDocument(ctx, c, key, ReadIfChanged, decode)
}

func getDocument[T any](ctx context.Context, c Cache, key string, mode ReadMode, decode Decoder[T]) (T, bool, error) {
	var out T
	ok, err := c.ReadDocument(ctx, key, mode, func(e Entry) error {
		v, err := decode(e.Data)
		if err != nil {
			return cacheerrors.Wrap(err, cacheerrors.ErrCodeDeserialization, "decode document").
				WithContext("key", key)
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, false, err
	}
	return out, ok, nil
}

// DocumentEntry returns the current document entry for key and marks it read.
func DocumentEntry(ctx context.Context, c Cache, key string) (Entry, error) {
	e, _, err := readEntry(ctx, c, key, ReadAlways)
	return e, err
}

// UpdatedDocumentEntry returns the current document entry if it changed since
// it was last read.
func UpdatedDocumentEntry(ctx context.Context, c Cache, key string) (Entry, bool, error) {
	return readEntry(ctx, c, key, ReadIfChanged)
}

func readEntry(ctx context.Context, c Cache, key string, mode ReadMode) (Entry, bool, error) {
	var out Entry
	ok, err := c.ReadDocument(ctx, key, mode, func(e Entry) error {
		out = e
		return nil
	})
	if err != nil || !ok {
		return Entry{}, false, err
	}
	return out, true, nil
}

// PutMessageJSON marshals v and appends it as a Message.
func PutMessageJSON(ctx context.Context, c Cache, key string, v any, opts ...PutOption) error {
	data, err := marshalPayload(v)
	if err != nil {
		return err
	}
	return c.PutMessage(ctx, key, data, opts...)
}

// PutReadWriteDocumentJSON marshals v and appends it as a ReadWriteDocument.
func PutReadWriteDocumentJSON(ctx context.Context, c Cache, key string, v any, opts ...PutOption) error {
	data, err := marshalPayload(v)
	if err != nil {
		return err
	}
	return c.PutReadWriteDocument(ctx, key, data, opts...)
}

func marshalPayload(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, cacheerrors.Wrap(err, cacheerrors.ErrCodeInvalidInput, "marshal payload")
	}
	return data, nil
}
