// Package tlv encodes and decodes the BER-TLV records used for EMV tag data.
package tlv

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Record is one decoded TLV. Tag is the upper-case hex tag; Children is set
// for constructed tags.
type Record struct {
	Tag      string
	Value    []byte
	Children []Record
}

// Constructed reports whether the tag's constructed bit is set.
func (r Record) Constructed() bool {
	return isConstructed(r.Tag)
}

func isConstructed(tag string) bool {
	b, err := hex.DecodeString(tag)
	if err != nil || len(b) == 0 {
		return false
	}
	return b[0]&0x20 != 0
}

// Parse decodes a sequence of BER-TLV records. Constructed records are
// decoded recursively. 0x00 and 0xFF padding between records is skipped.
func Parse(data []byte) ([]Record, error) {
	var records []Record
	offset := 0

	for offset < len(data) {
		if data[offset] == 0x00 || data[offset] == 0xFF {
			offset++
			continue
		}

		tagLen, err := tagLength(data[offset:])
		if err != nil {
			return nil, fmt.Errorf("tag at offset %d: %w", offset, err)
		}
		tag := strings.ToUpper(hex.EncodeToString(data[offset : offset+tagLen]))
		offset += tagLen

		length, lenLen, err := decodeLength(data[offset:])
		if err != nil {
			return nil, fmt.Errorf("length of %s: %w", tag, err)
		}
		offset += lenLen

		if offset+length > len(data) {
			return nil, fmt.Errorf("value of %s: need %d bytes, have %d", tag, length, len(data)-offset)
		}
		value := data[offset : offset+length]
		offset += length

		rec := Record{Tag: tag, Value: value}
		if isConstructed(tag) {
			children, err := Parse(value)
			if err != nil {
				return nil, fmt.Errorf("inside %s: %w", tag, err)
			}
			rec.Children = children
		}
		records = append(records, rec)
	}

	return records, nil
}

// ParseHex decodes a hex string and parses it.
func ParseHex(s string) ([]Record, error) {
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode hex: %w", err)
	}
	return Parse(data)
}

func tagLength(data []byte) (int, error) {
	if len(data) == 0 {
		return 0, fmt.Errorf("truncated tag")
	}
	if data[0]&0x1F != 0x1F {
		return 1, nil
	}
	for i := 1; i < len(data); i++ {
		if data[i]&0x80 == 0 {
			return i + 1, nil
		}
	}
	return 0, fmt.Errorf("truncated multi-byte tag")
}

// decodeLength returns the value length and how many bytes encoded it.
func decodeLength(data []byte) (int, int, error) {
	if len(data) == 0 {
		return 0, 0, fmt.Errorf("truncated length")
	}
	first := data[0]
	if first&0x80 == 0 {
		return int(first), 1, nil
	}
	n := int(first & 0x7F)
	if n == 0 || n > 3 {
		return 0, 0, fmt.Errorf("unsupported length form 0x%02X", first)
	}
	if len(data) < 1+n {
		return 0, 0, fmt.Errorf("truncated long-form length")
	}
	length := 0
	for _, b := range data[1 : 1+n] {
		length = length<<8 | int(b)
	}
	return length, 1 + n, nil
}

func encodeLength(n int) []byte {
	switch {
	case n < 0x80:
		return []byte{byte(n)}
	case n <= 0xFF:
		return []byte{0x81, byte(n)}
	case n <= 0xFFFF:
		return []byte{0x82, byte(n >> 8), byte(n)}
	default:
		return []byte{0x83, byte(n >> 16), byte(n >> 8), byte(n)}
	}
}

// Encode encodes a single record from a hex tag and raw value.
func Encode(tag string, value []byte) ([]byte, error) {
	tagBytes, err := hex.DecodeString(tag)
	if err != nil {
		return nil, fmt.Errorf("tag %q: %w", tag, err)
	}
	if n, err := tagLength(tagBytes); err != nil || n != len(tagBytes) {
		return nil, fmt.Errorf("tag %q is not a valid BER tag", tag)
	}

	result := make([]byte, 0, len(tagBytes)+4+len(value))
	result = append(result, tagBytes...)
	result = append(result, encodeLength(len(value))...)
	result = append(result, value...)
	return result, nil
}

// EncodeMap encodes a tag -> hex value map as concatenated records, in tag
// order so the output is stable.
func EncodeMap(tags map[string]string) ([]byte, error) {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []byte
	for _, k := range keys {
		value, err := hex.DecodeString(tags[k])
		if err != nil {
			return nil, fmt.Errorf("value of %s: %w", k, err)
		}
		rec, err := Encode(k, value)
		if err != nil {
			return nil, err
		}
		out = append(out, rec...)
	}
	return out, nil
}

// Flatten returns every primitive record as tag -> upper-case hex value,
// descending into constructed records. Later duplicates win.
func Flatten(records []Record) map[string]string {
	out := make(map[string]string)
	flattenInto(out, records)
	return out
}

func flattenInto(out map[string]string, records []Record) {
	for _, r := range records {
		if r.Children != nil {
			flattenInto(out, r.Children)
			continue
		}
		out[r.Tag] = strings.ToUpper(hex.EncodeToString(r.Value))
	}
}

// Find returns the first record with the given tag, searching depth-first.
func Find(records []Record, tag string) (Record, bool) {
	tag = strings.ToUpper(tag)
	for _, r := range records {
		if r.Tag == tag {
			return r, true
		}
		if found, ok := Find(r.Children, tag); ok {
			return found, true
		}
	}
	return Record{}, false
}
