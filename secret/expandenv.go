package secret

import (
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"
)

// Matches $$, ${NAME} and ${NAME:-default}.
var envRefPattern = regexp.MustCompile(`\$\$|\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// ExpandEnvStrict replaces ${NAME} with the variable's value and
// ${NAME:-default} with the value or, when unset or empty, default. $$ is
// a literal $. A bare $NAME is left as is, so values such as generated
// secret ids survive unchanged. Any unset ${NAME} without a default is an
// error naming every missing variable.
func ExpandEnvStrict(s string) (string, error) {
	if !strings.Contains(s, "$") {
		return s, nil
	}

	var missing []string
	out := envRefPattern.ReplaceAllStringFunc(s, func(ref string) string {
		if ref == "$$" {
			return "$"
		}
		m := envRefPattern.FindStringSubmatch(ref)
		name, hasDefault, def := m[1], m[2] != "", m[3]

		v, ok := os.LookupEnv(name)
		switch {
		case hasDefault && v == "":
			return def
		case !ok:
			missing = append(missing, name)
			return ""
		}
		return v
	})

	if len(missing) > 0 {
		slices.Sort(missing)
		return "", fmt.Errorf("missing required environment variables: %s", strings.Join(slices.Compact(missing), ", "))
	}
	return out, nil
}
