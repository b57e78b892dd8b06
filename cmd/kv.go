package cmd

import (
	"context"
	"fmt"

	"github.com/WuKongIM/kvraft/pkg/client"
	"github.com/spf13/cobra"
)

type kvCMD struct {
}

func newKVCMD() *kvCMD {
	return &kvCMD{}
}

func (k *kvCMD) CMD() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kv",
		Short: "read and write keys through a running node",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "put <key> <value>",
		Short: "set a key",
		Args:  cobra.ExactArgs(2),
		RunE:  k.put,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "get <key>",
		Short: "read a key from the contacted node",
		Args:  cobra.ExactArgs(1),
		RunE:  k.get,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "delete <key>",
		Short: "delete a key",
		Args:  cobra.ExactArgs(1),
		RunE:  k.delete,
	})
	return cmd
}

func (k *kvCMD) put(cmd *cobra.Command, args []string) error {
	index, err := client.New(serverAddr).Put(context.Background(), args[0], []byte(args[1]))
	if err != nil {
		return explain(err)
	}
	fmt.Printf("OK (index %d)\n", index)
	return nil
}

func (k *kvCMD) get(cmd *cobra.Command, args []string) error {
	kv, err := client.New(serverAddr).Get(context.Background(), args[0])
	if err != nil {
		return explain(err)
	}
	fmt.Println(string(kv.Value))
	return nil
}

func (k *kvCMD) delete(cmd *cobra.Command, args []string) error {
	index, err := client.New(serverAddr).Delete(context.Background(), args[0])
	if err != nil {
		return explain(err)
	}
	fmt.Printf("OK (index %d)\n", index)
	return nil
}
