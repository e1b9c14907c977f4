package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"Replicert/internal/client"
)

func clientCmd() *cobra.Command {
	var chunkSize int

	cmd := &cobra.Command{
		Use:   "client <server-addr> <file>",
		Short: "Upload a file and verify its certificate of availability",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(client.Config{ServerAddr: args[0], ChunkSize: chunkSize})

			cert, err := c.UploadFile(cmd.Context(), args[1])
			if err != nil {
				return err
			}

			printCertificate(cert)

			return nil
		},
	}

	cmd.Flags().IntVar(&chunkSize, "chunk-size", 1024, "bytes per chunk")

	return cmd
}

func verifyCmd() *cobra.Command {
	var identityText, hashText, signatureText string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check a printed certificate of availability offline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cert, err := client.ParseCertificate(identityText, hashText, signatureText)
			if err != nil {
				return fmt.Errorf("parse certificate:\n%w", err)
			}

			if err := cert.Verify(); err != nil {
				return err
			}

			fmt.Println("certificate of availability is valid.")

			return nil
		},
	}

	cmd.Flags().StringVar(&identityText, "identity", "", "availability set identity")
	cmd.Flags().StringVar(&hashText, "hash", "", "file hash")
	cmd.Flags().StringVar(&signatureText, "signature", "", "certificate of availability")
	cmd.MarkFlagRequired("identity")
	cmd.MarkFlagRequired("hash")
	cmd.MarkFlagRequired("signature")

	return cmd
}

// printCertificate writes the certificate in the form the verify command reads.
func printCertificate(cert *client.Certificate) {
	fmt.Printf("file %s stored successfully.\n", cert.Hash)
	fmt.Printf("certificate of availability: %s\n", cert.Signature)
	fmt.Printf("availability set identity: %s\n", cert.Identity)
	fmt.Println("certificate of availability is valid.")
}
