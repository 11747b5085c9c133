package meta

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Addr is an address written either as a hex string ("0x401000") or as a
// JSON number.
type Addr uint64

func (a Addr) String() string { return "0x" + strconv.FormatUint(uint64(a), 16) }

func (a Addr) MarshalJSON() ([]byte, error) { return json.Marshal(a.String()) }

func (a *Addr) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		v, err := ParseAddr(s)
		if err != nil {
			return err
		}
		*a = v
		return nil
	}
	v, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: address %s", ErrInvalid, b)
	}
	*a = Addr(v)
	return nil
}

// ParseAddr parses a hex address with an optional 0x prefix.
func ParseAddr(s string) (Addr, error) {
	t := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(t, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: address %q", ErrInvalid, s)
	}
	return Addr(v), nil
}

// Ordered is a JSON object keyed by address that remembers key order.
type Ordered[V any] struct {
	Keys  []Addr
	Items map[Addr]V
}

// Get returns the value at k.
func (o *Ordered[V]) Get(k Addr) (V, bool) {
	v, ok := o.Items[k]
	return v, ok
}

// Set inserts or replaces k. New keys are appended.
func (o *Ordered[V]) Set(k Addr, v V) {
	if o.Items == nil {
		o.Items = make(map[Addr]V)
	}
	if _, ok := o.Items[k]; !ok {
		o.Keys = append(o.Keys, k)
	}
	o.Items[k] = v
}

// Delete removes k.
func (o *Ordered[V]) Delete(k Addr) {
	if _, ok := o.Items[k]; !ok {
		return
	}
	delete(o.Items, k)
	for i, x := range o.Keys {
		if x == k {
			o.Keys = append(o.Keys[:i], o.Keys[i+1:]...)
			break
		}
	}
}

func (o *Ordered[V]) Len() int { return len(o.Keys) }

func (o *Ordered[V]) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("%w: expected object, got %v", ErrInvalid, tok)
	}
	o.Keys = nil
	o.Items = make(map[Addr]V)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		ks, _ := tok.(string)
		k, err := ParseAddr(ks)
		if err != nil {
			return err
		}
		var v V
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("%s: %w", ks, err)
		}
		o.Set(k, v)
	}
	_, err = dec.Token()
	return err
}

func (o Ordered[V]) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range o.Keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, _ := json.Marshal(k.String())
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(o.Items[k])
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
