// Copyright 2020 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package testutil

import (
	"errors"
	"fmt"
	"reflect"

	. "gopkg.in/check.v1"
)

type isOneOfChecker struct {
	sub Checker
}

func (checker *isOneOfChecker) Info() *CheckerInfo {
	info := *checker.sub.Info()
	info.Name = "IsOneOf(" + info.Name + ")"
	info.Params = []string{"obtained", "[]expected"}
	return &info
}

func (checker *isOneOfChecker) Check(params []interface{}, names []string) (result bool, error string) {
	if len(checker.sub.Info().Params) != 2 {
		return false, "IsOneOf must be used with a checker that requires 2 parameters"
	}

	slice := reflect.ValueOf(params[1])
	if slice.Kind() != reflect.Slice {
		return false, names[1] + " has the wrong kind"
	}

	for i := 0; i < slice.Len(); i++ {
		if result, _ := checker.sub.Check([]interface{}{params[0], slice.Index(i).Interface()}, []string{names[0], "expected"}); result {
			return true, ""
		}
	}
	return false, ""
}

// IsOneOf determines whether a value is contained in the provided slice, using
// the specified checker.
//
// For example:
//
//	c.Check(value, IsOneOf(Equals), []int{1, 2, 3})
func IsOneOf(checker Checker) Checker {
	return &isOneOfChecker{checker}
}

type boolChecker struct {
	*CheckerInfo
	expected bool
}

func (checker *boolChecker) Check(params []interface{}, names []string) (result bool, error string) {
	value, ok := params[0].(bool)
	if !ok {
		return false, names[0] + " is not a bool"
	}
	return value == checker.expected, ""
}

// IsTrue determines whether a boolean value is true.
var IsTrue Checker = &boolChecker{
	&CheckerInfo{Name: "IsTrue", Params: []string{"value"}}, true}

// IsFalse determines whether a boolean value is false.
var IsFalse Checker = &boolChecker{
	&CheckerInfo{Name: "IsFalse", Params: []string{"value"}}, false}

type errorIsChecker struct {
	*CheckerInfo
}

// ErrorIs determines whether any error in a chain has a specific
// value, using errors.Is
//
// For example:
//
//	c.Check(err, ErrorIs, io.EOF)
var ErrorIs Checker = &errorIsChecker{
	&CheckerInfo{Name: "ErrorIs", Params: []string{"value", "expected"}}}

func (checker *errorIsChecker) Check(params []interface{}, names []string) (result bool, errStr string) {
	err, ok := params[0].(error)
	if !ok {
		return false, "value is not an error"
	}

	expected, ok := params[1].(error)
	if !ok {
		return false, "expected is not an error"
	}

	return errors.Is(err, expected), ""
}

type errorAsChecker struct {
	*CheckerInfo
}

// ErrorAs determines whether any error in a chain has a specific
// type, using errors.As.
//
// For example:
//
//	var e *swtpm.TPMError
//	c.Check(err, ErrorAs, &e)
var ErrorAs Checker = &errorAsChecker{
	&CheckerInfo{Name: "ErrorAs", Params: []string{"value", "target"}}}

func (checker *errorAsChecker) Check(params []interface{}, names []string) (result bool, errStr string) {
	err, ok := params[0].(error)
	if !ok {
		return false, "value is not an error"
	}

	return errors.As(err, params[1]), ""
}

type hasResponseCodeChecker struct {
	*CheckerInfo
}

// HasResponseCode determines whether an error, or any error in its chain,
// encodes to the specified TPM response code. The errors are expected to
// have a ResponseCode method returning an unsigned integer type.
//
// For example:
//
//	c.Check(err, HasResponseCode, 0x9a2)
var HasResponseCode Checker = &hasResponseCodeChecker{
	&CheckerInfo{Name: "HasResponseCode", Params: []string{"value", "code"}}}

func (checker *hasResponseCodeChecker) Check(params []interface{}, names []string) (result bool, errStr string) {
	err, ok := params[0].(error)
	if !ok {
		return false, "value is not an error"
	}

	expected := reflect.ValueOf(params[1])
	switch expected.Kind() {
	case reflect.Int, reflect.Uint, reflect.Uint16, reflect.Uint32:
	default:
		return false, "code has invalid kind (must be an integer)"
	}
	code := expected.Convert(reflect.TypeOf(uint64(0))).Uint()

	for ; err != nil; err = errors.Unwrap(err) {
		m := reflect.ValueOf(err).MethodByName("ResponseCode")
		if !m.IsValid() || m.Type().NumIn() != 0 || m.Type().NumOut() != 1 {
			continue
		}
		rc := m.Call(nil)[0]
		if rc.Kind() != reflect.Uint32 {
			continue
		}
		if rc.Uint() == code {
			return true, ""
		}
		return false, fmt.Sprintf("actual response code: %#x", rc.Uint())
	}
	return false, "no error in the chain has a response code"
}

type hasLenChecker struct {
	*CheckerInfo
}

// LenEquals checks that the value has the specified length. This differs from
// check.HasLen in that it returns an error string containing the actual length
// if the check fails.
//
// For example:
//
//	c.Check(value, LenEquals, 5)
var LenEquals Checker = &hasLenChecker{
	&CheckerInfo{Name: "LenEquals", Params: []string{"value", "n"}}}

func (checker *hasLenChecker) Check(params []interface{}, names []string) (result bool, error string) {
	value := reflect.ValueOf(params[0])
	switch value.Kind() {
	case reflect.Array, reflect.Chan, reflect.Map, reflect.Slice, reflect.String:
	default:
		return false, "value doesn't have a length"
	}

	n, ok := params[1].(int)
	if !ok {
		return false, "n is not an int"
	}
	if value.Len() != n {
		return false, fmt.Sprintf("actual length: %d", value.Len())
	}
	return true, ""
}
