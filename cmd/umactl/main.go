// umactl is the uma-serve client: it speaks the framed-JSON protocol over
// the daemon's Unix-domain socket.
package main

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/haochend/uma-serve/pkg/types"
)

var version = "dev"

type clientOptions struct {
	socketPath string
	id         string
	maxTokens  int
	temp       float64
	topP       float64
	noStream   bool
}

func main() {
	opts := clientOptions{}

	root := &cobra.Command{
		Use:           "umactl",
		Short:         "uma-serve client (UDS, framed JSON)",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.socketPath, "socket", "/tmp/uma.sock", "daemon socket path")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})

	genCmd := &cobra.Command{
		Use:   "generate [prompt]",
		Short: "stream a completion for the prompt",
		Args: func(cmd *cobra.Command, args []string) error {
			if err := cobra.ExactArgs(1)(cmd, args); err != nil {
				return usageError{err}
			}
			return nil
		},
		RunE: func(_ *cobra.Command, args []string) error {
			return generate(opts, args[0])
		},
	}
	genCmd.Flags().StringVar(&opts.id, "id", "", "request id (default derived from pid+time)")
	genCmd.Flags().IntVar(&opts.maxTokens, "max-tokens", 0, "generated-token cap (0 = server default)")
	genCmd.Flags().Float64Var(&opts.temp, "temp", 0, "sampling temperature (0 = greedy)")
	genCmd.Flags().Float64Var(&opts.topP, "top-p", 1, "nucleus sampling probability")
	genCmd.Flags().BoolVar(&opts.noStream, "no-stream", false, "buffer the full completion before printing")

	metricsCmd := &cobra.Command{
		Use:   "metrics",
		Short: "fetch the daemon metrics snapshot",
		Args: func(cmd *cobra.Command, args []string) error {
			if err := cobra.NoArgs(cmd, args); err != nil {
				return usageError{err}
			}
			return nil
		},
		RunE: func(_ *cobra.Command, _ []string) error {
			return fetchMetrics(opts)
		},
	}

	root.AddCommand(genCmd, metricsCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		switch err.(type) {
		case connectError:
			os.Exit(types.ExitConnect)
		case usageError:
			os.Exit(types.ExitConfig)
		default:
			os.Exit(types.ExitFatal)
		}
	}
}

type connectError struct{ error }
type usageError struct{ error }

func dial(path string) (net.Conn, error) {
	conn, err := net.DialTimeout("unix", path, 5*time.Second)
	if err != nil {
		return nil, connectError{fmt.Errorf("connect %s: %w", path, err)}
	}
	return conn, nil
}

func writeFrame(conn net.Conn, payload []byte) error {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := conn.Write(hdr[:]); err != nil {
		return err
	}
	_, err := conn.Write(payload)
	return err
}

func readFrame(conn net.Conn) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint32(hdr[:])
	if length == 0 || length > 16*(1<<20) {
		return nil, fmt.Errorf("bad frame length %d", length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func generate(opts clientOptions, prompt string) error {
	if prompt == "" {
		return usageError{fmt.Errorf("empty prompt")}
	}
	id := opts.id
	if id == "" {
		id = fmt.Sprintf("req-%d-%d", os.Getpid(), time.Now().Unix())
	}

	conn, err := dial(opts.socketPath)
	if err != nil {
		return err
	}
	defer conn.Close()

	req := types.Request{
		ID:          id,
		Prompt:      prompt,
		Stream:      !opts.noStream,
		MaxTokens:   opts.maxTokens,
		Temperature: opts.temp,
		TopP:        opts.topP,
	}
	payload, _ := json.Marshal(req)
	if err := writeFrame(conn, payload); err != nil {
		return connectError{err}
	}

	var buffered []byte
	for {
		frame, err := readFrame(conn)
		if err == io.EOF {
			return fmt.Errorf("connection closed before eos")
		}
		if err != nil {
			return connectError{err}
		}

		var ev struct {
			ID      string `json:"id"`
			Event   string `json:"event"`
			Text    string `json:"text"`
			Reason  string `json:"reason"`
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(frame, &ev); err != nil {
			return fmt.Errorf("bad event frame: %w", err)
		}
		switch ev.Event {
		case types.EventToken:
			if opts.noStream {
				buffered = append(buffered, ev.Text...)
			} else {
				fmt.Print(ev.Text)
			}
		case types.EventEOS:
			if opts.noStream {
				os.Stdout.Write(buffered)
			}
			fmt.Println()
			return nil
		case types.EventError:
			return fmt.Errorf("%s: %s", ev.Code, ev.Message)
		}
	}
}

func fetchMetrics(opts clientOptions) error {
	conn, err := dial(opts.socketPath)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := writeFrame(conn, []byte(`{"type":"metrics"}`)); err != nil {
		return connectError{err}
	}
	frame, err := readFrame(conn)
	if err != nil {
		return connectError{err}
	}

	// re-indent for the terminal
	var snap map[string]any
	if err := json.Unmarshal(frame, &snap); err != nil {
		return fmt.Errorf("bad metrics frame: %w", err)
	}
	out, _ := json.MarshalIndent(snap, "", "  ")
	fmt.Println(string(out))
	return nil
}
