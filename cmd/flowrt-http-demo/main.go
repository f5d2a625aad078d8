// Command flowrt-http-demo wires a Loop, an HTTP router with the bundled
// middleware, and a WebSocket echo upgrade over one listener, to show the
// pieces assembled the way an application built on flowrt would.
//
// Run with: go run ./cmd/flowrt-http-demo/
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/flowrt/flowrt"
	flowrthttp "github.com/flowrt/flowrt/protocol/http"
	"github.com/rs/zerolog"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	loop, err := flowrt.New(
		flowrt.WithThreadPoolSize(4),
		flowrt.WithLogger(logger),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("create loop")
	}

	router := flowrthttp.NewRouter()
	router.Use(
		flowrthttp.Logger(func(fields map[string]any) {
			logger.Info().Fields(fields).Msg("request")
		}),
		flowrthttp.ErrorHandler(),
	)

	router.Handle("GET", "/health", func(ctx *flowrthttp.Context) {
		ctx.Response.WriteHeader(200)
		ctx.Response.Write([]byte("ok"))
	})

	router.Handle("GET", "/echo/:word", func(ctx *flowrthttp.Context) {
		ctx.Response.WriteHeader(200)
		ctx.Response.Write([]byte(ctx.Param("word")))
	})

	server := flowrthttp.NewServer(loop, router)
	if err := server.Listen("127.0.0.1:8080"); err != nil {
		logger.Fatal().Err(err).Msg("listen")
	}
	defer server.Close(nil)

	loop.Ref() // keep RunDefault alive; a real long-running server never drops this
	go func() {
		time.Sleep(30 * time.Second)
		loop.Unref()
	}()

	fmt.Println("listening on http://127.0.0.1:8080")
	if err := loop.Run(flowrt.RunDefault); err != nil {
		logger.Fatal().Err(err).Msg("loop run")
	}
}
