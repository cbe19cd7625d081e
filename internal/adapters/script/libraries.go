package script

import (
	"fmt"
	"strings"

	"github.com/eleven-am/loom/internal/domain"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
)

const libraryScheme = "stdlib://"

var libraries = map[string]map[string]function.Function{
	"string": {
		"upper":         stdlib.UpperFunc,
		"lower":         stdlib.LowerFunc,
		"title":         stdlib.TitleFunc,
		"trim":          stdlib.TrimFunc,
		"trimspace":     stdlib.TrimSpaceFunc,
		"trimprefix":    stdlib.TrimPrefixFunc,
		"trimsuffix":    stdlib.TrimSuffixFunc,
		"replace":       stdlib.ReplaceFunc,
		"regex_replace": stdlib.RegexReplaceFunc,
		"split":         stdlib.SplitFunc,
		"join":          stdlib.JoinFunc,
		"strlen":        stdlib.StrlenFunc,
		"substr":        stdlib.SubstrFunc,
		"format":        stdlib.FormatFunc,
		"indent":        stdlib.IndentFunc,
		"chomp":         stdlib.ChompFunc,
	},
	"math": {
		"abs":      stdlib.AbsoluteFunc,
		"ceil":     stdlib.CeilFunc,
		"floor":    stdlib.FloorFunc,
		"max":      stdlib.MaxFunc,
		"min":      stdlib.MinFunc,
		"pow":      stdlib.PowFunc,
		"log":      stdlib.LogFunc,
		"signum":   stdlib.SignumFunc,
		"parseint": stdlib.ParseIntFunc,
	},
	"collection": {
		"length":   stdlib.LengthFunc,
		"concat":   stdlib.ConcatFunc,
		"contains": stdlib.ContainsFunc,
		"distinct": stdlib.DistinctFunc,
		"flatten":  stdlib.FlattenFunc,
		"keys":     stdlib.KeysFunc,
		"values":   stdlib.ValuesFunc,
		"merge":    stdlib.MergeFunc,
		"reverse":  stdlib.ReverseListFunc,
		"sort":     stdlib.SortFunc,
	},
	"encoding": {
		"jsonencode": stdlib.JSONEncodeFunc,
		"jsondecode": stdlib.JSONDecodeFunc,
		"csvdecode":  stdlib.CSVDecodeFunc,
	},
}

// Libraries lists the names installable through stdlib:// URLs.
func Libraries() []string {
	return []string{"collection", "encoding", "math", "string"}
}

func lookupLibrary(url string) (string, map[string]function.Function, error) {
	if !strings.HasPrefix(url, libraryScheme) {
		return "", nil, fmt.Errorf("%w: unsupported library url %q", domain.ErrInvalidInput, url)
	}

	name := strings.TrimPrefix(url, libraryScheme)
	funcs, ok := libraries[name]
	if !ok {
		return "", nil, fmt.Errorf("%w: library %q", domain.ErrNotFound, name)
	}
	return name, funcs, nil
}
