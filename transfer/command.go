package transfer

import (
	"fmt"
	"strings"
)

// DefaultTool is the bulk-transfer program.
const DefaultTool = "lftp"

// hostKeyFix makes lftp accept unknown SFTP host keys instead of prompting.
const hostKeyFix = "set sftp:auto-confirm yes"

// Remote identifies the SFTP source and the parallelism applied to it.
type Remote struct {
	// Host is the SFTP host (optionally host:port).
	Host string
	// Credentials is passed to lftp -u as "user[:password]".
	Credentials string
	// Threads is the mirror --parallel value and the pget -n value.
	Threads int
	// Segments is the mirror --use-pget-n value.
	Segments int
}

func (r Remote) url() string {
	return "sftp://" + r.Host + "/"
}

// MirrorArgs returns the lftp arguments for a recursive mirror of target
// into the working directory.
func MirrorArgs(r Remote, target string) []string {
	script := fmt.Sprintf("%s; mirror -c --parallel=%d --use-pget-n=%d %s ;quit",
		hostKeyFix, r.Threads, r.Segments, quote(target))
	return []string{"-u", r.Credentials, r.url(), "-e", script}
}

// PgetArgs returns the lftp arguments for a segmented single-file fetch of
// target into the working directory.
func PgetArgs(r Remote, target string) []string {
	script := fmt.Sprintf("%s; pget -n %d %s ;quit", hostKeyFix, r.Threads, quote(target))
	return []string{"-u", r.Credentials, r.url(), "-e", script}
}

// quote wraps s in double quotes for the lftp command language.
func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

// RedactCredentials masks the password part of "user:password".
func RedactCredentials(creds string) string {
	user, _, hasPassword := strings.Cut(creds, ":")
	if !hasPassword {
		return creds
	}
	return user + ":***"
}

// redactArgs returns a copy of args safe for logging.
func redactArgs(args []string) []string {
	out := make([]string, len(args))
	copy(out, args)
	for i := 0; i+1 < len(out); i++ {
		if out[i] == "-u" {
			out[i+1] = RedactCredentials(out[i+1])
		}
	}
	return out
}
