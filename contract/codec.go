package contract

import (
	"bytes"
	"fmt"
	"io"

	"github.com/bitmask/vaultd/rgberr"
	"github.com/lightningnetwork/lnd/tlv"
)

// encodeRecords serializes the records as a TLV stream.
func encodeRecords(records ...tlv.Record) ([]byte, error) {
	stream, err := tlv.NewStream(records...)
	if err != nil {
		return nil, err
	}

	var b bytes.Buffer
	if err := stream.Encode(&b); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// decodeRecords parses a TLV stream into the records and checks that every
// required type was present. Any failure is a FormatError.
func decodeRecords(raw []byte, required []tlv.Type,
	records ...tlv.Record) (tlv.TypeMap, error) {

	if err := checkFraming(raw); err != nil {
		return nil, err
	}

	stream, err := tlv.NewStream(records...)
	if err != nil {
		return nil, err
	}

	parsed, err := stream.DecodeWithParsedTypes(bytes.NewReader(raw))
	if err != nil {
		return nil, rgberr.Wrap(rgberr.FormatError, err)
	}

	for _, typ := range required {
		if _, ok := parsed[typ]; !ok {
			return nil, rgberr.Newf(rgberr.FormatError,
				"missing required field %d", typ)
		}
	}

	return parsed, nil
}

// checkFraming walks the records of a TLV stream and fails if one declares
// more bytes than the input holds. Decoders allocate the declared length, so
// this runs before any record is decoded.
func checkFraming(raw []byte) error {
	var (
		r   = bytes.NewReader(raw)
		buf [8]byte
	)
	for r.Len() > 0 {
		typ, err := tlv.ReadVarInt(r, &buf)
		if err != nil {
			return rgberr.Wrap(rgberr.FormatError, err)
		}
		size, err := tlv.ReadVarInt(r, &buf)
		if err != nil {
			return rgberr.Wrap(rgberr.FormatError, err)
		}
		if size > uint64(r.Len()) {
			return rgberr.Newf(rgberr.FormatError, "record %d of %d "+
				"bytes exceeds input of %d bytes", typ, size,
				r.Len())
		}

		if _, err := r.Seek(int64(size), io.SeekCurrent); err != nil {
			return rgberr.Wrap(rgberr.FormatError, err)
		}
	}

	return nil
}

// encodeList concatenates items, each prefixed with its varint length, after
// a varint item count.
func encodeList(items [][]byte) ([]byte, error) {
	var (
		b   bytes.Buffer
		buf [8]byte
	)
	if err := tlv.WriteVarInt(&b, uint64(len(items)), &buf); err != nil {
		return nil, err
	}
	for _, item := range items {
		err := tlv.WriteVarInt(&b, uint64(len(item)), &buf)
		if err != nil {
			return nil, err
		}
		if _, err := b.Write(item); err != nil {
			return nil, err
		}
	}

	return b.Bytes(), nil
}

// decodeList is the inverse of encodeList.
func decodeList(raw []byte) ([][]byte, error) {
	var (
		r   = bytes.NewReader(raw)
		buf [8]byte
	)

	count, err := tlv.ReadVarInt(r, &buf)
	if err != nil {
		return nil, rgberr.Wrap(rgberr.FormatError, err)
	}

	// Every item takes at least one byte, which bounds the count by the
	// remaining input.
	if count > uint64(r.Len()) {
		return nil, rgberr.Newf(rgberr.FormatError,
			"list of %d items does not fit in %d bytes", count,
			r.Len())
	}

	items := make([][]byte, 0, count)
	for i := uint64(0); i < count; i++ {
		size, err := tlv.ReadVarInt(r, &buf)
		if err != nil {
			return nil, rgberr.Wrap(rgberr.FormatError, err)
		}
		if size > uint64(r.Len()) {
			return nil, rgberr.Newf(rgberr.FormatError,
				"item %d of %d bytes exceeds input", i, size)
		}

		item := make([]byte, size)
		if _, err := io.ReadFull(r, item); err != nil {
			return nil, rgberr.Wrap(rgberr.FormatError, err)
		}
		items = append(items, item)
	}

	if r.Len() != 0 {
		return nil, rgberr.Newf(rgberr.FormatError,
			"%d trailing bytes after list", r.Len())
	}

	return items, nil
}

// encodeEach encodes every element of a list with enc.
func encodeEach[T any](elems []T, enc func(T) ([]byte, error)) ([]byte,
	error) {

	items := make([][]byte, 0, len(elems))
	for i, elem := range elems {
		item, err := enc(elem)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		items = append(items, item)
	}

	return encodeList(items)
}

// decodeEach decodes every element of a list with dec.
func decodeEach[T any](raw []byte, dec func([]byte) (T, error)) ([]T,
	error) {

	items, err := decodeList(raw)
	if err != nil {
		return nil, err
	}

	elems := make([]T, 0, len(items))
	for _, item := range items {
		elem, err := dec(item)
		if err != nil {
			return nil, err
		}
		elems = append(elems, elem)
	}

	return elems, nil
}
