package encoder

import (
	"fmt"
	"strings"
)

type pathStyle int

const (
	styleWindows pathStyle = iota + 1
	stylePOSIX
)

type cleanPath struct {
	style pathStyle
	value string
	// key is value folded for comparison.
	key string
}

func (c cleanPath) sep() string {
	if c.style == styleWindows {
		return `\`
	}
	return "/"
}

// within reports whether c is prefix itself or below it.
func (c cleanPath) within(prefix cleanPath) bool {
	if c.style != prefix.style {
		return false
	}
	if c.key == prefix.key {
		return true
	}
	p := prefix.key
	if !strings.HasSuffix(p, prefix.sep()) {
		p += prefix.sep()
	}
	return strings.HasPrefix(c.key, p)
}

// normalizePath accepts drive-rooted and UNC Windows paths and rooted POSIX
// paths. The result uses one separator style and has no "." or "" segments;
// ".." segments are rejected rather than resolved.
func normalizePath(p string) (cleanPath, error) {
	switch {
	case len(p) >= 3 && isDriveLetter(p[0]) && p[1] == ':' && (p[2] == '\\' || p[2] == '/'):
		s := strings.ReplaceAll(p, "/", `\`)
		if err := checkWindowsChars(s[2:]); err != nil {
			return cleanPath{}, err
		}
		segs, err := segments(s[3:], `\`)
		if err != nil {
			return cleanPath{}, err
		}
		value := strings.ToUpper(s[:1]) + `:\` + strings.Join(segs, `\`)
		return cleanPath{style: styleWindows, value: value, key: strings.ToLower(value)}, nil
	case strings.HasPrefix(p, `\\`) || strings.HasPrefix(p, "//"):
		s := strings.ReplaceAll(p, "/", `\`)
		if err := checkWindowsChars(s[2:]); err != nil {
			return cleanPath{}, err
		}
		segs, err := segments(s[2:], `\`)
		if err != nil {
			return cleanPath{}, err
		}
		if len(segs) < 2 {
			return cleanPath{}, fmt.Errorf("UNC path needs a server and a share")
		}
		if segs[0] == "?" {
			return cleanPath{}, fmt.Errorf("device paths are not supported")
		}
		value := `\\` + strings.Join(segs, `\`)
		return cleanPath{style: styleWindows, value: value, key: strings.ToLower(value)}, nil
	case strings.HasPrefix(p, "/"):
		segs, err := segments(p[1:], "/")
		if err != nil {
			return cleanPath{}, err
		}
		value := "/" + strings.Join(segs, "/")
		return cleanPath{style: stylePOSIX, value: value, key: value}, nil
	}
	return cleanPath{}, fmt.Errorf("path %q is not absolute", p)
}

func segments(rest, sep string) ([]string, error) {
	var out []string
	for _, seg := range strings.Split(rest, sep) {
		switch seg {
		case "", ".":
			continue
		case "..":
			return nil, fmt.Errorf("path must not contain '..'")
		}
		out = append(out, seg)
	}
	return out, nil
}

func checkWindowsChars(s string) error {
	if i := strings.IndexAny(s, `:*?"<>|`); i >= 0 {
		return fmt.Errorf("path contains %q", s[i])
	}
	for _, r := range s {
		if r < 0x20 {
			return fmt.Errorf("path contains a control character")
		}
	}
	return nil
}

func isDriveLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}
