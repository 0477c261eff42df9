package main

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/cuemby/sessiond/pkg/client"
	"github.com/cuemby/sessiond/pkg/idgen"
	"github.com/cuemby/sessiond/pkg/protocol"
	"github.com/cuemby/sessiond/pkg/resources/atomiclong"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "sessionctl",
	Short:   "sessionctl - command-line client for a sessiond cluster",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().String("addr", "127.0.0.1:8081", "sessiond binary (CBOR) transport address")
	rootCmd.PersistentFlags().Duration("timeout", 10*time.Second, "session liveness timeout")

	registerCmd.Flags().Duration("hold", 0, "keep the session open for this long before unregistering (0 = unregister immediately)")

	commandCmd.Flags().Uint64("resource", 0, "resource id")
	commandCmd.Flags().String("type", atomiclong.TypeID, "resource type id")
	commandCmd.Flags().String("op", "get", "operation name (resource-specific)")
	commandCmd.Flags().Int64("arg", 0, "numeric argument for ops that take one")

	queryCmd.Flags().Uint64("resource", 0, "resource id")
	queryCmd.Flags().String("consistency", "sequential", "causal|sequential|linearizable|bounded")

	watchCmd.Flags().Duration("for", 30*time.Second, "how long to watch events before exiting")

	tokenCmd.Flags().String("admin-addr", "127.0.0.1:9090", "admin HTTP address of a cluster member (should be the leader)")
	tokenCmd.Flags().Int64("ttl", int64((24 * time.Hour).Seconds()), "token lifetime in seconds")

	eventsCmd.Flags().String("admin-addr", "127.0.0.1:9090", "admin HTTP address of a cluster member")

	rootCmd.AddCommand(registerCmd, commandCmd, queryCmd, watchCmd, clusterCmd)
	clusterCmd.AddCommand(tokenCmd, membersCmd, eventsCmd)
}

func dial(cmd *cobra.Command) (*client.Client, error) {
	addr, _ := cmd.Flags().GetString("addr")
	return client.Dial(addr, idgen.NewClientID())
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Open a session and print its session id",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		timeout, _ := cmd.Flags().GetDuration("timeout")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		sid, err := c.Register(ctx, timeout)
		if err != nil {
			return fmt.Errorf("register: %w", err)
		}
		fmt.Printf("session_id=%d\n", sid)

		hold, _ := cmd.Flags().GetDuration("hold")
		if hold > 0 {
			time.Sleep(hold)
		}

		uctx, ucancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer ucancel()
		return c.Unregister(uctx)
	},
}

var commandCmd = &cobra.Command{
	Use:   "command",
	Short: "Register a session, submit one command against a resource, and print the result",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		timeout, _ := cmd.Flags().GetDuration("timeout")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := c.Register(ctx, timeout); err != nil {
			return fmt.Errorf("register: %w", err)
		}

		resourceID, _ := cmd.Flags().GetUint64("resource")
		typeID, _ := cmd.Flags().GetString("type")
		opName, _ := cmd.Flags().GetString("op")
		arg, _ := cmd.Flags().GetInt64("arg")

		payload, err := encodeOp(typeID, opName, arg)
		if err != nil {
			return err
		}

		cctx, ccancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer ccancel()
		result, err := c.SubmitCommand(cctx, resourceID, typeID, payload)
		if err != nil {
			return fmt.Errorf("command: %w", err)
		}
		fmt.Printf("result=%v (%d bytes)\n", result, len(result))
		return nil
	},
}

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Register a session and read a resource at the requested consistency level",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		timeout, _ := cmd.Flags().GetDuration("timeout")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := c.Register(ctx, timeout); err != nil {
			return fmt.Errorf("register: %w", err)
		}

		resourceID, _ := cmd.Flags().GetUint64("resource")
		consistencyName, _ := cmd.Flags().GetString("consistency")
		consistency, err := parseConsistency(consistencyName)
		if err != nil {
			return err
		}

		qctx, qcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer qcancel()
		result, err := c.Query(qctx, resourceID, nil, consistency)
		if err != nil {
			return fmt.Errorf("query: %w", err)
		}
		fmt.Printf("result=%v (%d bytes)\n", result, len(result))
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Register a session and print every event delivered on it",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		timeout, _ := cmd.Flags().GetDuration("timeout")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sid, err := c.Register(ctx, timeout)
		if err != nil {
			return fmt.Errorf("register: %w", err)
		}
		fmt.Printf("session_id=%d, watching events...\n", sid)

		watchFor, _ := cmd.Flags().GetDuration("for")
		deadline := time.After(watchFor)
		for {
			select {
			case pub, ok := <-c.Events():
				if !ok {
					return fmt.Errorf("watch: connection closed")
				}
				for _, evt := range pub.Events {
					fmt.Printf("event_index=%d resource=%d payload=%v\n", pub.EventIndex, evt.ResourceID, evt.Payload)
				}
				c.AckEventIndex(pub.EventIndex)
			case <-deadline:
				return nil
			}
		}
	},
}

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Cluster administration (join tokens, membership)",
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Request a join token from the cluster leader",
	RunE: func(cmd *cobra.Command, args []string) error {
		adminAddr, _ := cmd.Flags().GetString("admin-addr")
		ttl, _ := cmd.Flags().GetInt64("ttl")
		return postJSON(fmt.Sprintf("http://%s/cluster/token", adminAddr), map[string]int64{"ttl_seconds": ttl})
	},
}

var membersCmd = &cobra.Command{
	Use:   "members",
	Short: "List cluster members as seen by the contacted node",
	RunE: func(cmd *cobra.Command, args []string) error {
		adminAddr, _ := cmd.Flags().GetString("admin-addr")
		return getJSON(fmt.Sprintf("http://%s/cluster/members", adminAddr))
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Stream global session/resource/leadership notifications from a cluster member",
	RunE: func(cmd *cobra.Command, args []string) error {
		adminAddr, _ := cmd.Flags().GetString("admin-addr")
		resp, err := http.Get(fmt.Sprintf("http://%s/cluster/events", adminAddr))
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			fmt.Println(scanner.Text())
		}
		return scanner.Err()
	},
}

func encodeOp(typeID, opName string, arg int64) ([]byte, error) {
	switch typeID {
	case atomiclong.TypeID:
		var op atomiclong.Op
		switch opName {
		case "increment_and_get":
			op = atomiclong.OpIncrementAndGet
		case "get_and_increment":
			op = atomiclong.OpGetAndIncrement
		case "add":
			op = atomiclong.OpAdd
		case "get":
			op = atomiclong.OpGet
		case "set":
			op = atomiclong.OpSet
		default:
			return nil, fmt.Errorf("unknown atomiclong op %q", opName)
		}
		buf := make([]byte, 1, 9)
		buf[0] = byte(op)
		if op == atomiclong.OpAdd || op == atomiclong.OpSet {
			var argBuf [8]byte
			binary.BigEndian.PutUint64(argBuf[:], uint64(arg))
			buf = append(buf, argBuf[:]...)
		}
		return buf, nil
	default:
		return []byte(opName + ":" + strconv.FormatInt(arg, 10)), nil
	}
}

func parseConsistency(name string) (protocol.Consistency, error) {
	switch name {
	case "causal":
		return protocol.Causal, nil
	case "sequential":
		return protocol.Sequential, nil
	case "linearizable":
		return protocol.Linearizable, nil
	case "bounded":
		return protocol.BoundedLinearizable, nil
	default:
		return 0, fmt.Errorf("unknown consistency level %q", name)
	}
}

func postJSON(url string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return httpPrint("POST", url, data)
}

func getJSON(url string) error {
	return httpPrint("GET", url, nil)
}
