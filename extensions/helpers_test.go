package extensions

import (
	"testing"

	"github.com/hashicorp/go-hclog"
	pumped "github.com/pumped-fn/pumped-tree"
)

var config = pumped.NewService("config", func(ctx *pumped.InstantiateCtx) (string, error) {
	return "loaded", nil
})

var missing = pumped.NewService("missing", func(ctx *pumped.InstantiateCtx) (string, error) {
	return "never", nil
})

func reads[T any](svc *pumped.Service[T]) pumped.DeclarationOption {
	return pumped.WithEntries(pumped.Upstream("read", func(inj pumped.Injector, attrs pumped.Attributes) (pumped.Attributes, error) {
		v, err := pumped.Use(inj, svc)
		if err != nil {
			return nil, err
		}
		return pumped.Attributes{"value": v}, nil
	}))
}

func renders(children ...*pumped.Declaration) pumped.DeclarationOption {
	return pumped.WithRender(func(pumped.Attributes) []pumped.Element {
		out := make([]pumped.Element, len(children))
		for i, c := range children {
			out[i] = c.New("", nil)
		}
		return out
	})
}

// app is App > Page where App provides config and Page reads it
func app() (root, page *pumped.Declaration) {
	page = pumped.Declare("Page", reads(config))
	root = pumped.Declare("App",
		pumped.WithEntries(pumped.Local("config", config, nil)),
		renders(page),
	)
	return root, page
}

func newScope(t *testing.T, exts ...pumped.Extension) *pumped.Scope {
	t.Helper()
	opts := []pumped.ScopeOption{pumped.WithLogger(hclog.NewNullLogger())}
	for _, ext := range exts {
		opts = append(opts, pumped.WithExtension(ext))
	}
	s := pumped.NewScope(opts...)
	t.Cleanup(func() { _ = s.Dispose() })
	return s
}
