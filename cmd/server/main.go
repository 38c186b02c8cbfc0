package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"

	"github.com/GitAlboBis/TeamsAppointmentAgentWebApp/internal/config"
	"github.com/GitAlboBis/TeamsAppointmentAgentWebApp/server"
	"github.com/GitAlboBis/TeamsAppointmentAgentWebApp/server/agentapi"
	"github.com/GitAlboBis/TeamsAppointmentAgentWebApp/server/tokencache"
)

func main() {
	for {
		if err := run(); err != nil {
			log.Fatalf("Error running server: %s\n", err)
			time.Sleep(1 * time.Second)
		} else {
			break
		}
	}
	log.Printf("Server stopped\n")
}

func run() (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic: %v\n", r)
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()

	c := config.New()
	displayAppname(c.GetAppName())

	gateway, err := newGateway(c)
	if err != nil {
		return fmt.Errorf("newGateway: %w", err)
	}

	httpServer := &http.Server{Addr: c.GetPort(), Handler: gateway}
	go listenAndServe(httpServer)
	waitForStopSignal()
	returnError = shutdown(httpServer)
	return returnError
}

func newGateway(c config.Config) (*server.Server, error) {
	agent := agentapi.New(c)

	// Without an issuer the gateway can only run in degraded mode;
	// server.New rejects that unless it is explicitly enabled.
	var verifier server.TokenVerifier
	if c.GetIssuerURL() != "" && c.GetAudience() != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		v, err := server.NewOIDCVerifier(ctx, c.GetIssuerURL(), c.GetAudience())
		if err != nil {
			return nil, fmt.Errorf("server.NewOIDCVerifier: %w", err)
		}
		verifier = v
	}

	return server.New(c, agent, verifier, tokencache.NewInMemory())
}

func listenAndServe(server *http.Server) error {
	log.Printf("Server listening on %s\n", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server.ListenAndServe %w", err)
	}
	return nil
}

func waitForStopSignal() {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
}

func shutdown(server *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
