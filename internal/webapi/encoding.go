package webapi

import (
	"encoding/base64"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/cryguy/offload/internal/core"
	"github.com/cryguy/offload/internal/eventloop"
)

// SetupEncoding installs btoa and atob backed by encoding/base64. Strings
// cross the boundary as UTF-8 and are treated as Latin-1 code units.
func SetupEncoding(rt core.JSRuntime, _ *eventloop.EventLoop) error {
	if err := rt.RegisterFunc("__btoa", btoa); err != nil {
		return err
	}
	if err := rt.RegisterFunc("__atob", atob); err != nil {
		return err
	}
	return rt.Eval(`
globalThis.btoa = function(data) {
	if (arguments.length < 1) throw new TypeError('btoa requires at least 1 argument(s)');
	return __btoa(String(data));
};
globalThis.atob = function(data) {
	if (arguments.length < 1) throw new TypeError('atob requires at least 1 argument(s)');
	return __atob(String(data));
};
`)
}

func btoa(s string) (string, error) {
	b := make([]byte, 0, len(s))
	for _, r := range s {
		if r > 0xFF {
			return "", errors.New("btoa: string contains characters outside of the Latin1 range")
		}
		b = append(b, byte(r))
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func atob(s string) (string, error) {
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\f', '\r':
			return -1
		}
		return r
	}, s)
	s = strings.TrimRight(s, "=")
	if len(s)%4 == 1 {
		return "", errors.New("atob: invalid base64 string")
	}
	raw, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil {
		return "", errors.New("atob: invalid base64 string")
	}
	out := make([]byte, 0, len(raw)*2)
	for _, c := range raw {
		out = utf8.AppendRune(out, rune(c))
	}
	return string(out), nil
}
