package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/tracekeeper/pkg/api"
)

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [key]",
	Short: "Print the bcrypt hash of an admin key for admin.key_hash",
	Long: `Print the bcrypt hash of an admin key for admin.key_hash.
The key is read from stdin when not given as an argument.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHashKey,
}

func init() {
	rootCmd.AddCommand(hashKeyCmd)
}

func runHashKey(cmd *cobra.Command, args []string) error {
	var key string

	if len(args) == 1 {
		key = args[0]
	} else {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("reading key from stdin: %w", err)
		}

		key = strings.TrimRight(line, "\r\n")
	}

	hash, err := api.HashAdminKey(key)
	if err != nil {
		return err
	}

	fmt.Println(hash)

	return nil
}
