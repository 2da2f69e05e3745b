package endpoint

import (
	"bytes"
	"encoding"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"strings"
)

// defaultFieldLimit is the maximum byte length accepted for a single
// decoded field unless overridden with a maxLength tag.
var defaultFieldLimit = 16 * 1024 // 16KB

// Unmarshal populates dst (must be a non-nil pointer to a struct) from
// the request.
//
// Supported sources:
//   - path params: r.PathValue() (`path` tag)
//   - query params: r.URL.Query() (`query` tag)
//   - headers: r.Header (`header` tag)
//   - cookies: r.Cookie(name) (`cookie` tag)
//
// Tag syntax: `query:"name[,flag]"` where name defaults to the lowercased
// field name and the optional flag is base64 or base64url for []byte
// fields. `query:"-"` ignores the field. `maxLength:"n"` bounds the raw
// value size (0 disables the bound).
//
// Untagged non-struct fields default to path-then-query lookup under the
// lowercased field name. Untagged struct fields are recursed into, which
// supports embedding shared parameter structs.
func Unmarshal(r *http.Request, dst any) error {
	if r == nil {
		return newEndpointError(http.StatusInternalServerError, "", errors.New("endpoint: decode: nil request"))
	}
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return newEndpointError(http.StatusInternalServerError, "", errors.New("endpoint: decode: dst must be a non-nil pointer"))
	}
	root := v.Elem()
	if root.Kind() == reflect.Pointer {
		if root.IsNil() {
			root.Set(reflect.New(root.Type().Elem()))
		}
		root = root.Elem()
	}
	if root.Kind() != reflect.Struct {
		return newEndpointError(http.StatusInternalServerError, "", errors.New("endpoint: decode: dst must point to a struct"))
	}

	q := url.Values{}
	if r.URL != nil {
		q = r.URL.Query()
	}
	return unmarshalStruct(r, root, q)
}

func unmarshalStruct(r *http.Request, structVal reflect.Value, query url.Values) error {
	t := structVal.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if sf.PkgPath != "" { // unexported
			continue
		}
		fv := structVal.Field(i)
		defaultName := strings.ToLower(sf.Name)

		pathTag, hasPath, err := parseSourceTag(sf, "path", defaultName)
		if err != nil {
			return err
		}
		queryTag, hasQuery, err := parseSourceTag(sf, "query", defaultName)
		if err != nil {
			return err
		}
		headerTag, hasHeader, err := parseSourceTag(sf, "header", defaultName)
		if err != nil {
			return err
		}
		cookieTag, hasCookie, err := parseSourceTag(sf, "cookie", defaultName)
		if err != nil {
			return err
		}

		if (hasPath && pathTag.Name == "-") || (hasQuery && queryTag.Name == "-") ||
			(hasHeader && headerTag.Name == "-") || (hasCookie && cookieTag.Name == "-") {
			continue
		}

		hasAnyTag := hasPath || hasQuery || hasHeader || hasCookie

		// Recurse into untagged struct fields (embedded param structs),
		// unless the type decodes itself from text (e.g. time.Time).
		fv2 := fv
		if fv2.Kind() == reflect.Pointer {
			if fv2.IsNil() && fv2.Type().Elem().Kind() == reflect.Struct {
				fv2.Set(reflect.New(fv2.Type().Elem()))
			}
			if !fv2.IsNil() {
				fv2 = fv2.Elem()
			}
		}
		if fv2.IsValid() && fv2.Kind() == reflect.Struct && !hasAnyTag && !isTextUnmarshaler(fv2) {
			if err := unmarshalStruct(r, fv2, query); err != nil {
				return err
			}
			continue
		}

		if !hasAnyTag {
			hasPath, hasQuery = true, true
			pathTag = sourceTag{Source: "path", Name: defaultName}
			queryTag = sourceTag{Source: "query", Name: defaultName}
		}

		limit, err := fieldLengthLimit(sf)
		if err != nil {
			return err
		}
		pathTag.MaxLength = limit
		queryTag.MaxLength = limit
		headerTag.MaxLength = limit
		cookieTag.MaxLength = limit

		if hasPath {
			ok, err := setFieldFromSource(fv, pathTag, func(name string) ([][]byte, bool) {
				v := r.PathValue(name)
				if v == "" {
					return nil, false
				}
				return [][]byte{[]byte(v)}, true
			}, sf.Name)
			if err != nil {
				return err
			}
			if ok {
				continue
			}
		}
		if hasQuery {
			ok, err := setFieldFromSource(fv, queryTag, func(name string) ([][]byte, bool) {
				return valuesToBytes(query[name])
			}, sf.Name)
			if err != nil {
				return err
			}
			if ok {
				continue
			}
		}
		if hasHeader {
			ok, err := setFieldFromSource(fv, headerTag, func(name string) ([][]byte, bool) {
				return valuesToBytes(r.Header[http.CanonicalHeaderKey(name)])
			}, sf.Name)
			if err != nil {
				return err
			}
			if ok {
				continue
			}
		}
		if hasCookie {
			_, err := setFieldFromSource(fv, cookieTag, func(name string) ([][]byte, bool) {
				var out [][]byte
				for _, ck := range r.Cookies() {
					if ck.Name == name {
						out = append(out, []byte(ck.Value))
					}
				}
				return out, len(out) > 0
			}, sf.Name)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func valuesToBytes(vs []string) ([][]byte, bool) {
	if len(vs) == 0 {
		return nil, false
	}
	out := make([][]byte, len(vs))
	for i, s := range vs {
		out[i] = []byte(s)
	}
	return out, true
}

func isTextUnmarshaler(v reflect.Value) bool {
	tu := reflect.TypeFor[encoding.TextUnmarshaler]()
	if v.CanAddr() && v.Addr().Type().Implements(tu) {
		return true
	}
	return v.Type().Implements(tu)
}

type sourceTag struct {
	Source    string
	Name      string
	Encoding  string
	MaxLength int
}

func fieldLengthLimit(sf reflect.StructField) (int, error) {
	val, has := sf.Tag.Lookup("maxLength")
	if !has {
		return defaultFieldLimit, nil
	}
	val = strings.TrimSpace(val)
	if val == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil || n < 0 {
		return 0, newEndpointError(http.StatusInternalServerError, "", fmt.Errorf("maxLength: invalid value %q", val))
	}
	return n, nil
}

func parseSourceTag(sf reflect.StructField, tagKey, defaultName string) (cfg sourceTag, has bool, err error) {
	val, has := sf.Tag.Lookup(tagKey)
	if !has {
		return sourceTag{}, false, nil
	}
	parts := strings.Split(val, ",")
	name := strings.TrimSpace(parts[0])
	if name == "" {
		name = defaultName
	}
	cfg = sourceTag{Source: tagKey, Name: name, MaxLength: defaultFieldLimit}
	for _, p := range parts[1:] {
		switch flag := strings.ToLower(strings.TrimSpace(p)); flag {
		case "":
		case "base64", "base64url":
			if cfg.Encoding != "" {
				return sourceTag{}, false, newEndpointError(http.StatusInternalServerError, "", fmt.Errorf("multiple encoding flags on field %s", sf.Name))
			}
			cfg.Encoding = flag
		default:
			return sourceTag{}, false, newEndpointError(http.StatusInternalServerError, "", fmt.Errorf("unknown %s tag flag %q", tagKey, flag))
		}
	}
	return cfg, true, nil
}

func setFieldFromSource(field reflect.Value, tag sourceTag, fetch func(name string) ([][]byte, bool), fieldName string) (bool, error) {
	raw, ok := fetch(tag.Name)
	if !ok {
		return false, nil
	}
	for _, val := range raw {
		if tag.MaxLength > 0 && len(val) > tag.MaxLength {
			return false, newEndpointError(http.StatusBadRequest, "", fmt.Errorf("endpoint: decode: %s %q -> %s: value exceeds max length %d", tag.Source, tag.Name, fieldName, tag.MaxLength))
		}
	}
	if err := setFieldFromValues(field, raw, tag.Encoding); err != nil {
		return false, newEndpointError(http.StatusBadRequest, "", fmt.Errorf("endpoint: decode: %s %q -> %s: %w", tag.Source, tag.Name, fieldName, err))
	}
	return true, nil
}

func setFieldFromValues(v reflect.Value, values [][]byte, encodingFlag string) error {
	if len(values) == 0 {
		return nil
	}
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
		v = v.Elem()
	}

	isByteSlice := v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8
	if v.Kind() == reflect.Slice && !isByteSlice {
		slice := reflect.MakeSlice(v.Type(), 0, len(values))
		for _, val := range values {
			elem := reflect.New(v.Type().Elem()).Elem()
			if err := setFieldFromBytes(elem, val, encodingFlag); err != nil {
				return err
			}
			slice = reflect.Append(slice, elem)
		}
		v.Set(slice)
		return nil
	}
	return setFieldFromBytes(v, values[0], encodingFlag)
}

func setFieldFromBytes(v reflect.Value, b []byte, encodingFlag string) error {
	if !v.CanSet() || !v.CanAddr() {
		return newEndpointError(http.StatusInternalServerError, "", errors.New("field is not settable"))
	}

	if v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8 {
		switch encodingFlag {
		case "":
			v.SetBytes(b)
			return nil
		case "base64":
			return setDecodedBytes(v, b, base64.StdEncoding)
		case "base64url":
			return setDecodedBytes(v, b, base64.RawURLEncoding)
		default:
			return newEndpointError(http.StatusInternalServerError, "", fmt.Errorf("unsupported bytes decoding %q", encodingFlag))
		}
	}
	if encodingFlag != "" {
		return newEndpointError(http.StatusInternalServerError, "", fmt.Errorf("encoding %q not supported for type %s", encodingFlag, v.Type()))
	}

	if u, ok := v.Addr().Interface().(encoding.TextUnmarshaler); ok {
		return u.UnmarshalText(b)
	}

	s := string(b)
	switch v.Kind() {
	case reflect.String:
		v.SetString(s)
	case reflect.Bool:
		bb, err := strconv.ParseBool(s)
		if err != nil {
			return err
		}
		v.SetBool(bb)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(s, 10, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(s, 10, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(s, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetFloat(f)
	default:
		return newEndpointError(http.StatusInternalServerError, "", fmt.Errorf("unsupported kind %s", v.Kind()))
	}
	return nil
}

func setDecodedBytes(v reflect.Value, b []byte, enc *base64.Encoding) error {
	src := bytes.TrimSpace(b)
	out := make([]byte, enc.DecodedLen(len(src)))
	n, err := enc.Decode(out, src)
	if err != nil {
		return err
	}
	v.SetBytes(out[:n])
	return nil
}
