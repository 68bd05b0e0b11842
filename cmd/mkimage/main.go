// Command mkimage packages the stub and the executable payload into a
// single PE boot image: the stub's ELF segments become PE sections, the
// payload is embedded as a length-prefixed .blob section.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var (
		stubPath    string
		payloadPath string
		outputPath  string
	)

	rootCmd := &cobra.Command{
		Use:   "mkimage",
		Short: "package the boot stub and its payload into a PE image",
		RunE: func(cmd *cobra.Command, args []string) error {
			stub, err := os.ReadFile(stubPath)
			if err != nil {
				return fmt.Errorf("reading stub: %w", err)
			}

			payload, err := os.ReadFile(payloadPath)
			if err != nil {
				return fmt.Errorf("reading payload: %w", err)
			}

			image, err := CreateImage(stub, payload)
			if err != nil {
				return err
			}

			if err := os.WriteFile(outputPath, image, 0o644); err != nil {
				return fmt.Errorf("writing image: %w", err)
			}

			fmt.Printf("wrote %s (%d bytes)\n", outputPath, len(image))
			return nil
		},
	}

	rootCmd.Flags().StringVar(&stubPath, "stub", "", "path to the stub ELF executable")
	rootCmd.Flags().StringVar(&payloadPath, "payload", "", "path to the payload ELF image")
	rootCmd.Flags().StringVarP(&outputPath, "output", "o", "boot.efi", "path of the produced PE image")
	rootCmd.MarkFlagRequired("stub")
	rootCmd.MarkFlagRequired("payload")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
