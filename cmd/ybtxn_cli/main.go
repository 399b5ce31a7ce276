// ybtxn_cli is an interactive smoke tool for the transaction client. It
// drives the coordinator against a running cluster: begin a transaction,
// stage writes to shards, commit or abort, and inspect the result.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jlulx9/yugabyte-db/config"
	"github.com/jlulx9/yugabyte-db/core/client"
	"github.com/jlulx9/yugabyte-db/core/hybridtime"
	"github.com/jlulx9/yugabyte-db/core/metacache"
	"github.com/jlulx9/yugabyte-db/core/transaction"
	"github.com/jlulx9/yugabyte-db/pkg/logger"
	"github.com/jlulx9/yugabyte-db/pkg/rpcs"
	"github.com/jlulx9/yugabyte-db/pkg/telemetry"
)

type cliState struct {
	manager *transaction.TransactionManager
	txn     *transaction.Transaction
}

func (s *cliState) processCommand(args []string) {
	if len(args) == 0 {
		fmt.Println("Error: No command provided.")
		return
	}

	switch strings.ToLower(args[0]) {
	case "begin":
		isolation := transaction.SnapshotIsolation
		if len(args) > 1 && strings.ToLower(args[1]) == "serializable" {
			isolation = transaction.SerializableIsolation
		}
		s.txn = transaction.NewTransaction(s.manager, isolation)
		fmt.Printf("Started transaction %s (%s)\n", s.txn.ID(), isolation)
	case "write":
		if len(args) < 2 {
			fmt.Println("Error: write command requires a shard id.")
			return
		}
		if s.txn == nil {
			fmt.Println("Error: no transaction in progress, use 'begin'.")
			return
		}
		ops := []transaction.InFlightOp{{ShardID: args[1]}}
		done := make(chan error, 1)
		var md transaction.TransactionMetadata
		if !s.txn.Prepare(ops, func(err error) { done <- err }, &md) {
			if err := <-done; err != nil {
				fmt.Printf("Error: transaction failed to become ready: %v\n", err)
				return
			}
			if !s.txn.Prepare(ops, nil, &md) {
				fmt.Println("Error: prepare rejected after readiness.")
				return
			}
		}
		s.txn.Flushed(ops, nil)
		if md.StatusShardID != "" {
			fmt.Printf("Staged write to %s (carried full metadata, status shard %s)\n", args[1], md.StatusShardID)
		} else {
			fmt.Printf("Staged write to %s (id-only metadata)\n", args[1])
		}
	case "commit":
		if s.txn == nil {
			fmt.Println("Error: no transaction in progress.")
			return
		}
		if err := <-s.txn.CommitChan(); err != nil {
			fmt.Printf("Commit failed: %v\n", err)
		} else {
			fmt.Println("Committed.")
		}
		s.txn = nil
	case "abort":
		if s.txn == nil {
			fmt.Println("Error: no transaction in progress.")
			return
		}
		s.txn.Abort()
		fmt.Println("Aborted.")
		s.txn = nil
	case "restart":
		if s.txn == nil {
			fmt.Println("Error: no transaction in progress.")
			return
		}
		sibling, err := s.txn.CreateRestartedTransaction()
		if err != nil {
			fmt.Printf("Restart failed: %v\n", err)
			return
		}
		s.txn = sibling
		fmt.Printf("Restarted as %s\n", sibling.ID())
	case "status":
		if s.txn == nil {
			fmt.Println("No transaction in progress.")
			return
		}
		md := s.txn.Metadata()
		fmt.Printf("Transaction %s: state=%s status_shard=%q restart_required=%v\n",
			md.TransactionID, s.txn.State(), md.StatusShardID, s.txn.IsRestartRequired())
	case "help":
		fmt.Println("Commands:")
		fmt.Println("  begin [snapshot|serializable]")
		fmt.Println("  write <shard-id>")
		fmt.Println("  commit")
		fmt.Println("  abort")
		fmt.Println("  restart")
		fmt.Println("  status")
		fmt.Println("  help")
		fmt.Println("  exit / quit")
	case "exit", "quit":
		fmt.Println("Exiting transaction CLI.")
		os.Exit(0)
	default:
		fmt.Println("Error: Unknown command. Type 'help' for a list of commands.")
	}
}

func main() {
	masterAddr := flag.String("master", "127.0.0.1:9000", "address of the cluster master")
	statusShards := flag.String("status-shards", "", "comma-separated status shard ids")
	configPath := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
	}

	log, err := logger.New("ybtxn-cli", cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	remote := client.NewRemoteClient(*masterAddr, log)
	defer remote.Close()

	cache, err := metacache.New(remote, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init metadata cache: %v\n", err)
		os.Exit(1)
	}

	picker := transaction.NewFixedStatusShardPicker(splitShards(*statusShards)...)
	registry := rpcs.NewRegistry(log)
	defer registry.Close()
	scheduler := rpcs.NewTimerScheduler()
	defer scheduler.Stop()

	manager, err := transaction.NewTransactionManager(
		cfg, hybridtime.NewClock(), picker, cache, remote,
		registry, scheduler, log, telemetry.Noop().Meter,
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init transaction manager: %v\n", err)
		os.Exit(1)
	}

	state := &cliState{manager: manager}

	if args := flag.Args(); len(args) > 0 {
		state.processCommand(args)
		return
	}

	fmt.Println("Transaction CLI (interactive mode). Type 'help' for commands, 'exit' or 'quit' to leave.")
	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("ybtxn> ")
		input, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				fmt.Println("\nExiting transaction CLI.")
				return
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}
		line := strings.TrimSpace(input)
		if line == "" {
			continue
		}
		state.processCommand(strings.Fields(line))
	}
}

func splitShards(csv string) []string {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
