// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package mu

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"reflect"
	"strings"

	"golang.org/x/xerrors"
)

var (
	customMuType reflect.Type = reflect.TypeOf((*customMuIface)(nil)).Elem()
	rawBytesType reflect.Type = reflect.TypeOf(RawBytes(nil))
)

// ErrTrailingBytes is returned from UnmarshalExact when the supplied buffer
// contains more bytes than were consumed.
var ErrTrailingBytes = errors.New("buffer contains trailing bytes")

type customMuIface interface {
	CustomMarshaller
	CustomUnmarshaller
}

// CustomMarshaller is implemented by types that need to control how they are
// written, such as structures whose layout depends on a type selector. It should
// be implemented with a value receiver so that values can be passed directly to
// MarshalToBytes or MarshalToWriter. Implementations must also implement
// CustomUnmarshaller.
type CustomMarshaller interface {
	Marshal(w io.Writer) error
}

// CustomUnmarshaller is the counterpart to CustomMarshaller. It must be
// implemented with a pointer receiver.
type CustomUnmarshaller interface {
	Unmarshal(r Reader) error
}

// RawBytes is a byte slice that is marshalled without a size field. The slice
// must be pre-allocated to the correct length before unmarshalling.
type RawBytes []byte

// Reader is an io.Reader that also reports how many bytes remain.
type Reader interface {
	io.Reader
	Len() int
}

type pathElem struct {
	t     reflect.Type
	index int
}

// Error is returned from any function in this package to provide context
// of where an error occurred.
type Error struct {
	// Index indicates the argument on which this error occurred.
	Index int

	Op string

	path     []pathElem
	leafType reflect.Type
	err      error
}

func (e *Error) Error() string {
	s := new(strings.Builder)
	fmt.Fprintf(s, "cannot %s argument %d whilst processing element of type %s", e.Op, e.Index, e.leafType)
	for i := len(e.path) - 1; i >= 0; i-- {
		p := e.path[i]
		switch p.t.Kind() {
		case reflect.Struct:
			fmt.Fprintf(s, " in %s.%s", p.t, p.t.Field(p.index).Name)
		default:
			fmt.Fprintf(s, " in %s[%d]", p.t, p.index)
		}
	}
	fmt.Fprintf(s, ": %v", e.err)
	return s.String()
}

func (e *Error) Unwrap() error {
	return e.err
}

// Type returns the type of the value on which this error occurred.
func (e *Error) Type() reflect.Type {
	return e.leafType
}

// Depth returns the depth of the value on which this error occurred.
func (e *Error) Depth() int {
	return len(e.path)
}

type options struct {
	sized bool
	raw   bool
}

func parseOptions(f reflect.StructField) (out options) {
	for _, part := range strings.Split(f.Tag.Get("tpm2"), ",") {
		switch part {
		case "sized":
			out.sized = true
		case "raw":
			out.raw = true
		}
	}
	return out
}

type state struct {
	op    string
	index int
	path  []pathElem
	opts  options
}

func (s *state) fail(v reflect.Value, err error) error {
	var e *Error
	if xerrors.As(err, &e) {
		return err
	}
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	path := make([]pathElem, len(s.path))
	copy(path, s.path)
	return &Error{Index: s.index, Op: s.op, path: path, leafType: v.Type(), err: err}
}

func (s *state) enter(container reflect.Value, i int, opts options) func() {
	orig := s.opts
	s.opts = opts
	s.path = append(s.path, pathElem{t: container.Type(), index: i})
	return func() {
		s.path = s.path[:len(s.path)-1]
		s.opts = orig
	}
}

type kind int

const (
	kindUnsupported kind = iota
	kindPrimitive
	kindSized
	kindList
	kindStruct
	kindCustom
	kindRawBytes
)

func kindOf(t reflect.Type) kind {
	if reflect.PtrTo(t).Implements(customMuType) {
		return kindCustom
	}

	switch t.Kind() {
	case reflect.Bool, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return kindPrimitive
	case reflect.Slice:
		switch {
		case t == rawBytesType:
			return kindRawBytes
		case t.Elem().Kind() == reflect.Uint8:
			return kindSized
		}
		return kindList
	case reflect.Struct:
		return kindStruct
	case reflect.Array:
		if t.Elem().Kind() == reflect.Uint8 {
			return kindRawBytes
		}
	}
	return kindUnsupported
}

type marshaller struct {
	*state
	w      io.Writer
	nbytes int
}

func (m *marshaller) Write(p []byte) (n int, err error) {
	n, err = m.w.Write(p)
	m.nbytes += n
	return
}

func (m *marshaller) marshalSized(v reflect.Value) error {
	orig := m.opts
	m.opts = options{raw: v.Kind() == reflect.Slice}
	defer func() { m.opts = orig }()

	if (v.Kind() == reflect.Ptr || v.Kind() == reflect.Slice) && v.IsNil() {
		if err := binary.Write(m, binary.BigEndian, uint16(0)); err != nil {
			return m.fail(v, err)
		}
		return nil
	}

	buf := new(bytes.Buffer)
	sm := &marshaller{state: m.state, w: buf}
	if err := sm.marshalValue(v); err != nil {
		return err
	}
	if buf.Len() > math.MaxUint16 {
		return m.fail(v, errors.New("sized value size greater than 2^16-1"))
	}
	if err := binary.Write(m, binary.BigEndian, uint16(buf.Len())); err != nil {
		return m.fail(v, err)
	}
	if _, err := buf.WriteTo(m); err != nil {
		return m.fail(v, err)
	}
	return nil
}

func (m *marshaller) marshalElems(v reflect.Value) error {
	for i := 0; i < v.Len(); i++ {
		exit := m.enter(v, i, options{})
		err := m.marshalValue(v.Index(i))
		exit()
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *marshaller) marshalRaw(v reflect.Value) error {
	if v.Type().Elem().Kind() != reflect.Uint8 {
		return m.marshalElems(v)
	}
	var b []byte
	if v.Kind() == reflect.Array {
		b = make([]byte, v.Len())
		reflect.Copy(reflect.ValueOf(b), v)
	} else {
		b = v.Bytes()
	}
	if _, err := m.Write(b); err != nil {
		return m.fail(v, err)
	}
	return nil
}

func (m *marshaller) marshalValue(v reflect.Value) error {
	switch {
	case m.opts.sized:
		return m.marshalSized(v)
	case m.opts.raw:
		return m.marshalRaw(v)
	}

	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			v = reflect.New(v.Type().Elem())
		}
		return m.marshalValue(v.Elem())
	}

	switch kindOf(v.Type()) {
	case kindPrimitive:
		if err := binary.Write(m, binary.BigEndian, v.Interface()); err != nil {
			return m.fail(v, err)
		}
		return nil
	case kindSized:
		return m.marshalSized(v)
	case kindList:
		if int(uint32(v.Len())) != v.Len() {
			return m.fail(v, errors.New("slice length greater than 2^32-1"))
		}
		if err := binary.Write(m, binary.BigEndian, uint32(v.Len())); err != nil {
			return m.fail(v, err)
		}
		return m.marshalElems(v)
	case kindStruct:
		for i := 0; i < v.NumField(); i++ {
			exit := m.enter(v, i, parseOptions(v.Type().Field(i)))
			err := m.marshalValue(v.Field(i))
			exit()
			if err != nil {
				return err
			}
		}
		return nil
	case kindCustom:
		if err := v.Interface().(CustomMarshaller).Marshal(m); err != nil {
			return m.fail(v, err)
		}
		return nil
	case kindRawBytes:
		return m.marshalRaw(v)
	}

	panic(fmt.Sprintf("cannot marshal unsupported type %s", v.Type()))
}

type unmarshaller struct {
	*state
	r      io.Reader
	sz     int
	nbytes int
}

func (u *unmarshaller) Read(p []byte) (n int, err error) {
	n, err = u.r.Read(p)
	u.nbytes += n
	return
}

func (u *unmarshaller) Len() int {
	return u.sz - u.nbytes
}

func sizeOfReader(r io.Reader) int {
	switch rImpl := r.(type) {
	case Reader:
		return rImpl.Len()
	case *bytes.Reader:
		return rImpl.Len()
	case *bytes.Buffer:
		return rImpl.Len()
	case *io.LimitedReader:
		sz := sizeOfReader(rImpl.R)
		if rImpl.N < int64(sz) {
			sz = int(rImpl.N)
		}
		return sz
	}
	return math.MaxInt32
}

func (u *unmarshaller) unmarshalSized(v reflect.Value) error {
	orig := u.opts
	u.opts = options{raw: v.Kind() == reflect.Slice}
	defer func() { u.opts = orig }()

	var size uint16
	if err := binary.Read(u, binary.BigEndian, &size); err != nil {
		return u.fail(v, err)
	}

	switch {
	case size == 0:
		v.Set(reflect.Zero(v.Type()))
		return nil
	case int(size) > u.Len():
		return u.fail(v, errors.New("sized value has a size larger than the remaining bytes"))
	case v.Kind() == reflect.Slice:
		v.Set(reflect.MakeSlice(v.Type(), int(size), int(size)))
	}

	su := &unmarshaller{state: u.state, r: io.LimitReader(u, int64(size)), sz: int(size)}
	if err := su.unmarshalValue(v); err != nil {
		return err
	}
	if su.Len() != 0 {
		return u.fail(v, fmt.Errorf("sized value has %d trailing bytes", su.Len()))
	}
	return nil
}

func (u *unmarshaller) unmarshalElems(v reflect.Value) error {
	for i := 0; i < v.Len(); i++ {
		exit := u.enter(v, i, options{})
		err := u.unmarshalValue(v.Index(i))
		exit()
		if err != nil {
			return err
		}
	}
	return nil
}

func (u *unmarshaller) unmarshalRaw(v reflect.Value) error {
	if v.Type().Elem().Kind() != reflect.Uint8 {
		return u.unmarshalElems(v)
	}
	b := make([]byte, v.Len())
	if _, err := io.ReadFull(u, b); err != nil {
		return u.fail(v, err)
	}
	reflect.Copy(v, reflect.ValueOf(b))
	return nil
}

func (u *unmarshaller) unmarshalValue(v reflect.Value) error {
	switch {
	case u.opts.sized:
		if v.Kind() == reflect.Ptr && v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
		return u.unmarshalSized(v)
	case u.opts.raw:
		return u.unmarshalRaw(v)
	}

	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
		return u.unmarshalValue(v.Elem())
	}

	switch kindOf(v.Type()) {
	case kindPrimitive:
		if err := binary.Read(u, binary.BigEndian, v.Addr().Interface()); err != nil {
			return u.fail(v, err)
		}
		return nil
	case kindSized:
		return u.unmarshalSized(v)
	case kindList:
		var n uint32
		if err := binary.Read(u, binary.BigEndian, &n); err != nil {
			return u.fail(v, err)
		}
		// Every element consumes at least one byte.
		if int64(n) > int64(u.Len()) {
			return u.fail(v, errors.New("list length larger than the remaining bytes"))
		}
		v.Set(reflect.MakeSlice(v.Type(), int(n), int(n)))
		return u.unmarshalElems(v)
	case kindStruct:
		for i := 0; i < v.NumField(); i++ {
			exit := u.enter(v, i, parseOptions(v.Type().Field(i)))
			err := u.unmarshalValue(v.Field(i))
			exit()
			if err != nil {
				return err
			}
		}
		return nil
	case kindCustom:
		if err := v.Addr().Interface().(CustomUnmarshaller).Unmarshal(u); err != nil {
			return u.fail(v, err)
		}
		return nil
	case kindRawBytes:
		return u.unmarshalRaw(v)
	}

	panic(fmt.Sprintf("cannot unmarshal unsupported type %s", v.Type()))
}

// MarshalToWriter marshals vals to w in the TPM wire format. A nil pointer
// causes the zero value of the pointed-to type to be marshalled. The number of
// bytes written is returned.
func MarshalToWriter(w io.Writer, vals ...interface{}) (int, error) {
	m := &marshaller{state: &state{op: "marshal"}, w: w}
	for i, v := range vals {
		m.index = i
		if err := m.marshalValue(reflect.ValueOf(v)); err != nil {
			return m.nbytes, err
		}
	}
	return m.nbytes, nil
}

// MarshalToBytes marshals vals to the TPM wire format and returns the result.
func MarshalToBytes(vals ...interface{}) ([]byte, error) {
	buf := new(bytes.Buffer)
	if _, err := MarshalToWriter(buf, vals...); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MustMarshalToBytes is the same as MarshalToBytes, except that it panics if it encounters an error.
func MustMarshalToBytes(vals ...interface{}) []byte {
	b, err := MarshalToBytes(vals...)
	if err != nil {
		panic(err)
	}
	return b
}

// UnmarshalFromReader unmarshals data in the TPM wire format from r to vals,
// which must be non-nil pointers. Nil pointers encountered during unmarshalling
// are allocated. Slices are always newly created, except for RawBytes, arrays
// and fields tagged `tpm2:"raw"`, which must have the expected length.
func UnmarshalFromReader(r io.Reader, vals ...interface{}) (int, error) {
	for _, val := range vals {
		v := reflect.ValueOf(val)
		if v.Kind() != reflect.Ptr || v.IsNil() {
			panic(fmt.Sprintf("cannot unmarshal to non-pointer or nil pointer type %T", val))
		}
	}

	u := &unmarshaller{state: &state{op: "unmarshal"}, r: r, sz: sizeOfReader(r)}
	for i, val := range vals {
		u.index = i
		if err := u.unmarshalValue(reflect.ValueOf(val).Elem()); err != nil {
			return u.nbytes, err
		}
	}
	return u.nbytes, nil
}

// UnmarshalFromBytes unmarshals data in the TPM wire format from b to vals. It
// returns the number of bytes consumed.
func UnmarshalFromBytes(b []byte, vals ...interface{}) (int, error) {
	return UnmarshalFromReader(bytes.NewReader(b), vals...)
}

// UnmarshalExact is like UnmarshalFromBytes, but fails with ErrTrailingBytes
// if b is not fully consumed.
func UnmarshalExact(b []byte, vals ...interface{}) error {
	n, err := UnmarshalFromBytes(b, vals...)
	if err != nil {
		return err
	}
	if n != len(b) {
		return ErrTrailingBytes
	}
	return nil
}

// CopyValue copies the value of src to dst, which must be a pointer, by
// marshalling and unmarshalling it.
func CopyValue(dst, src interface{}) error {
	buf := new(bytes.Buffer)
	if _, err := MarshalToWriter(buf, src); err != nil {
		return err
	}
	_, err := UnmarshalFromReader(buf, dst)
	return err
}

// Sized wraps a pointer so that it is marshalled with a 16-bit size prefix.
func Sized(v interface{}) interface{} {
	return &sizedWrapper{v}
}

type sizedWrapper struct {
	v interface{}
}

func (s sizedWrapper) Marshal(w io.Writer) error {
	b, err := MarshalToBytes(s.v)
	if err != nil {
		return err
	}
	if len(b) > math.MaxUint16 {
		return errors.New("sized value size greater than 2^16-1")
	}
	if err := binary.Write(w, binary.BigEndian, uint16(len(b))); err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

func (s *sizedWrapper) Unmarshal(r Reader) error {
	var size uint16
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return err
	}
	if int(size) > r.Len() {
		return errors.New("sized value has a size larger than the remaining bytes")
	}
	b := make([]byte, size)
	if _, err := io.ReadFull(r, b); err != nil {
		return err
	}
	return UnmarshalExact(b, s.v)
}
