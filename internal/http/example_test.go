package http_test

import (
	"context"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/patterngate/internal/access"
	"github.com/fyrsmithlabs/patterngate/internal/catalog"
	"github.com/fyrsmithlabs/patterngate/internal/gate"
	httpserver "github.com/fyrsmithlabs/patterngate/internal/http"
	"github.com/fyrsmithlabs/patterngate/internal/logging"
	"github.com/fyrsmithlabs/patterngate/internal/store"
	"github.com/fyrsmithlabs/patterngate/internal/validation"
)

// ExampleServer shows the minimal wiring of a gate behind the HTTP API.
func ExampleServer() {
	cat := catalog.MustStatic(catalog.Pattern{Name: "auth-basic", Keywords: []string{"login"}, Content: "Hash passwords."})
	ev, err := validation.NewEvaluator(validation.DefaultConfig(), nil)
	if err != nil {
		panic(err)
	}
	g, err := gate.New(gate.DefaultConfig(), cat, store.NewMemory(), access.AllowAll{}, ev)
	if err != nil {
		panic(err)
	}

	server, err := httpserver.NewServer(httpserver.Deps{Gate: g}, logging.NewNop(), &httpserver.Config{
		Host: "127.0.0.1",
		Port: 0,
	})
	if err != nil {
		panic(err)
	}

	go func() { _ = server.Start() }()
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		panic(err)
	}

	fmt.Println("Server started and stopped successfully")
	// Output: Server started and stopped successfully
}
