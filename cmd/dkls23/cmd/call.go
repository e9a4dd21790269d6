package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/0xCarbon/libtss/pkg/dkls23"
	"github.com/0xCarbon/libtss/pkg/dkls23/bridge"
)

var callCmd = &cobra.Command{
	Use:   "call <operation>",
	Short: "Run one bridge operation on a JSON request read from stdin",
	Long: `Run one bridge operation, for example dkls_dkg_phase1, on a JSON request
read from stdin (or --in) and print the JSON response to stdout. The command
fails when the response carries an error object. Use --list to print the
supported operations.`,
	Args: func(cmd *cobra.Command, args []string) error {
		if list, _ := cmd.Flags().GetBool("list"); list {
			return nil
		}
		return cobra.ExactArgs(1)(cmd, args)
	},
	RunE: runCall,
}

func init() {
	callCmd.Flags().String("in", "", "read the request from this file instead of stdin")
	callCmd.Flags().Bool("list", false, "list the supported operations")
	rootCmd.AddCommand(callCmd)
}

func runCall(cmd *cobra.Command, args []string) error {
	log, err := newLogger()
	if err != nil {
		return err
	}
	h := bridge.NewHandler(nil, bridge.WithLogger(log))
	defer h.Close()

	out := cmd.OutOrStdout()
	if list, _ := cmd.Flags().GetBool("list"); list {
		for _, op := range h.Ops() {
			fmt.Fprintln(out, op)
		}
		return nil
	}

	var in io.Reader = cmd.InOrStdin()
	if path, _ := cmd.Flags().GetString("in"); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}
	req, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("read request: %w", err)
	}
	defer dkls23.ZeroizeBytes(req)

	resp := h.Call(cmd.Context(), args[0], req)
	defer dkls23.ZeroizeBytes(resp)
	if _, err := out.Write(append(resp, '\n')); err != nil {
		return err
	}

	var status struct {
		Error *bridge.ErrorObject `json:"error"`
	}
	if err := json.Unmarshal(resp, &status); err == nil && status.Error != nil {
		return fmt.Errorf("%s: %s", status.Error.Kind, status.Error.Message)
	}
	return nil
}
