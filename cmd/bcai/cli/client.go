package cli

// Client commands – thin HTTP wrappers over a running node's API.

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"

	"github.com/jtrefon/bcai/core"
)

var httpClient = &http.Client{Timeout: 15 * time.Second}

func getJSON(path string, out interface{}) error {
	resp, err := httpClient.Get(flagAPI + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("node: %s", bytes.TrimSpace(body))
	}
	return json.Unmarshal(body, out)
}

func printJSON(v interface{}) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show chain head, difficulty and mempool depth",
	RunE: func(cmd *cobra.Command, args []string) error {
		var head map[string]interface{}
		if err := getJSON("/head", &head); err != nil {
			return err
		}
		printJSON(head)
		return nil
	},
}

var accountCmd = &cobra.Command{
	Use:   "account <addr>",
	Short: "Query an account's balance, stake and nonce",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var acct core.Account
		if err := getJSON("/account/"+args[0], &acct); err != nil {
			return err
		}
		printJSON(acct)
		return nil
	},
}

var jobCmd = &cobra.Command{
	Use:   "job <id>",
	Short: "Query a job posting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var job core.Job
		if err := getJSON("/job/"+args[0], &job); err != nil {
			return err
		}
		printJSON(job)
		return nil
	},
}

var submissionCmd = &cobra.Command{
	Use:   "submission <id>",
	Short: "Query a submission's evaluation state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var sub core.Submission
		if err := getJSON("/submission/"+args[0], &sub); err != nil {
			return err
		}
		printJSON(sub)
		return nil
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <logical-id>",
	Short: "Resolve a logical id to its content descriptor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var d core.ContentDescriptor
		if err := getJSON("/descriptor/"+args[0], &d); err != nil {
			return err
		}
		printJSON(d)
		return nil
	},
}

var (
	flagKeyFile string
	flagFee     uint64
)

var sendCmd = &cobra.Command{
	Use:   "send <to-addr> <amount>",
	Short: "Sign and submit a transfer",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := crypto.LoadECDSA(flagKeyFile)
		if err != nil {
			return fmt.Errorf("load key: %w", err)
		}
		to, err := core.AddressFromHex(args[0])
		if err != nil {
			return err
		}
		var amount uint64
		if _, err := fmt.Sscanf(args[1], "%d", &amount); err != nil {
			return fmt.Errorf("bad amount %q", args[1])
		}

		from := core.PubkeyToAddress(key.PublicKey)
		var acct core.Account
		if err := getJSON("/account/"+from.Hex(), &acct); err != nil {
			return err
		}
		tx, err := core.NewTransferTx(to, amount, flagFee, acct.Nonce, uint64(time.Now().Unix()))
		if err != nil {
			return err
		}
		if err := tx.Sign(key); err != nil {
			return err
		}

		body, err := json.Marshal(tx)
		if err != nil {
			return err
		}
		resp, err := httpClient.Post(flagAPI+"/tx", "application/json", bytes.NewReader(body))
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		out, _ := io.ReadAll(resp.Body)
		fmt.Println(string(bytes.TrimSpace(out)))
		return nil
	},
}

func init() {
	sendCmd.Flags().StringVar(&flagKeyFile, "key", "data/node.key", "secp256k1 key file")
	sendCmd.Flags().Uint64Var(&flagFee, "fee", 1, "transaction fee")
}
