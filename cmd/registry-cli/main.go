package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/elfregistry/registry/internal/client"
	"github.com/elfregistry/registry/internal/core/models"
	"github.com/elfregistry/registry/internal/util/hashing"
)

const defaultServer = "http://localhost:9003"

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type cli struct {
	v   *viper.Viper
	out io.Writer
	err io.Writer
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	c := &cli{v: viper.New(), out: stdout, err: stderr}

	root := &cobra.Command{
		Use:           "registry",
		Short:         "ELF program registry CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.String("server", defaultServer, "registry server URL (env REGISTRY_URL)")
	pf.String("api-key", "", "API key for uploads and deletes (env REGISTRY_API_KEY)")
	pf.VisitAll(func(f *pflag.Flag) { _ = c.v.BindPFlag(f.Name, f) })
	_ = c.v.BindEnv("server", "REGISTRY_URL")
	_ = c.v.BindEnv("api-key", "REGISTRY_API_KEY")

	root.AddCommand(
		c.pushCmd(),
		c.pushSP1Cmd(),
		c.pushRisc0Cmd(),
		c.pullCmd(),
		c.listCmd(),
		c.deleteCmd(),
		c.deleteContractCmd(),
	)
	return root
}

func (c *cli) client() *client.Client {
	return client.New(c.v.GetString("server"), c.v.GetString("api-key"), nil)
}

func (c *cli) requireAPIKey() error {
	if strings.TrimSpace(c.v.GetString("api-key")) == "" {
		return fmt.Errorf("error: --api-key or REGISTRY_API_KEY is required")
	}
	return nil
}

func addMetadataFlags(cmd *cobra.Command, zkvm string) {
	cmd.Flags().String("toolchain", "", "toolchain identifier")
	cmd.Flags().String("commit", "", "source commit")
	cmd.Flags().String("zkvm", zkvm, "zkVM identifier")
	_ = cmd.MarkFlagRequired("toolchain")
	_ = cmd.MarkFlagRequired("commit")
}

func metadataFromFlags(cmd *cobra.Command) models.ProgramMetadata {
	toolchain, _ := cmd.Flags().GetString("toolchain")
	commit, _ := cmd.Flags().GetString("commit")
	zkvm, _ := cmd.Flags().GetString("zkvm")
	return models.ProgramMetadata{Toolchain: toolchain, Commit: commit, ZKVM: zkvm}
}

func (c *cli) pushCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "push <contract> <program-id> <file>",
		Short: "Upload an ELF binary under an explicit program id",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.push(cmd.Context(), args[0], args[1], args[2], metadataFromFlags(cmd))
		},
	}
	addMetadataFlags(cmd, "")
	_ = cmd.MarkFlagRequired("zkvm")
	return cmd
}

func (c *cli) pushSP1Cmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "push-sp1 <contract> <elf> <vk-file>",
		Short: "Upload an SP1 ELF; the program id is the hex-encoded verifying key",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			programID, err := client.ProgramIDHexFromFile(args[2])
			if err != nil {
				return err
			}
			return c.push(cmd.Context(), args[0], programID, args[1], metadataFromFlags(cmd))
		},
	}
	addMetadataFlags(cmd, "sp1")
	return cmd
}

func (c *cli) pushRisc0Cmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "push-risc0 <contract> <elf> <image-id-file>",
		Short: "Upload a RISC Zero ELF; the program id is read from the image id file",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			programID, err := client.ProgramIDFromFile(args[2])
			if err != nil {
				return err
			}
			return c.push(cmd.Context(), args[0], programID, args[1], metadataFromFlags(cmd))
		},
	}
	addMetadataFlags(cmd, "risc0")
	return cmd
}

func (c *cli) push(ctx context.Context, contract, programID, path string, meta models.ProgramMetadata) error {
	if err := c.requireAPIKey(); err != nil {
		return err
	}
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("error opening file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("error reading file info: %w", err)
	}

	digest, _, err := hashing.ComputeSHA256(file)
	if err != nil {
		return err
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("error rewinding file: %w", err)
	}

	pr := &progressReader{Reader: file, progress: &progress{out: c.err, total: info.Size(), label: "Uploading"}}

	start := time.Now()
	resp, err := c.client().Upload(ctx, client.UploadRequest{
		Contract:  contract,
		ProgramID: programID,
		Metadata:  meta,
		Binary:    pr,
	})
	fmt.Fprintln(c.err)
	if err != nil {
		return err
	}

	fmt.Fprintf(c.out, "Pushed %s/%s\n", resp.Contract, resp.ProgramID)
	fmt.Fprintf(c.out, "  SHA256:   %s\n", digest)
	fmt.Fprintf(c.out, "  Size:     %s\n", humanize.IBytes(resp.SizeBytes))
	fmt.Fprintf(c.out, "  zkVM:     %s\n", resp.Metadata.ZKVM)
	fmt.Fprintf(c.out, "  Uploaded: %s\n", resp.UploadedAt)
	fmt.Fprintf(c.out, "  Duration: %v\n", time.Since(start).Round(time.Millisecond))
	return nil
}

func (c *cli) pullCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pull <contract> <program-id>",
		Short: "Download an ELF binary",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			if output == "" {
				output = fmt.Sprintf("%s-%s.elf", args[0], args[1])
			}
			return c.pull(cmd.Context(), args[0], args[1], output)
		},
	}
	cmd.Flags().StringP("output", "o", "", "output file path")
	return cmd
}

func (c *cli) pull(ctx context.Context, contract, programID, output string) error {
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return fmt.Errorf("error creating output directory: %w", err)
	}

	tmpOutput := output + ".part"
	file, err := os.Create(tmpOutput)
	if err != nil {
		return fmt.Errorf("error creating output file: %w", err)
	}
	success := false
	defer func() {
		file.Close()
		if !success {
			_ = os.Remove(tmpOutput)
		}
	}()

	pw := &progressWriter{Writer: file, progress: &progress{out: c.err, label: "Downloading"}}
	start := time.Now()
	res, err := c.client().DownloadTo(ctx, contract, programID, pw)
	fmt.Fprintln(c.err)
	if err != nil {
		return err
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("error closing downloaded file: %w", err)
	}
	if err := os.Rename(tmpOutput, output); err != nil {
		return fmt.Errorf("error finalizing output file: %w", err)
	}
	success = true

	fmt.Fprintf(c.out, "Pulled %s/%s -> %s\n", contract, programID, output)
	fmt.Fprintf(c.out, "  SHA256:   %s\n", res.SHA256)
	fmt.Fprintf(c.out, "  Size:     %s\n", humanize.IBytes(uint64(res.Size)))
	fmt.Fprintf(c.out, "  Duration: %v\n", time.Since(start).Round(time.Millisecond))
	return nil
}

func (c *cli) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list [contract]",
		Short: "List contracts and their programs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var all map[string][]models.ProgramInfo
			if len(args) == 1 {
				programs, err := c.client().ListContract(ctx, args[0])
				if err != nil {
					return err
				}
				all = map[string][]models.ProgramInfo{args[0]: programs}
			} else {
				var err error
				if all, err = c.client().ListAll(ctx); err != nil {
					return err
				}
			}
			c.printPrograms(all)
			return nil
		},
	}
}

func (c *cli) printPrograms(all map[string][]models.ProgramInfo) {
	if len(all) == 0 {
		fmt.Fprintln(c.out, "No programs found.")
		return
	}
	contracts := make([]string, 0, len(all))
	for name := range all {
		contracts = append(contracts, name)
	}
	sort.Strings(contracts)

	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CONTRACT\tPROGRAM ID\tSIZE\tZKVM\tTOOLCHAIN\tCOMMIT\tUPLOADED")
	for _, name := range contracts {
		for _, p := range all[name] {
			uploaded := p.UploadedAt
			if t, err := time.Parse(time.RFC3339Nano, p.UploadedAt); err == nil {
				uploaded = humanize.Time(t)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				name, p.ProgramID, humanize.IBytes(p.SizeBytes),
				p.Metadata.ZKVM, p.Metadata.Toolchain, p.Metadata.Commit, uploaded)
		}
	}
	tw.Flush()
}

func (c *cli) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <contract> <program-id>",
		Short: "Delete one program",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.requireAPIKey(); err != nil {
				return err
			}
			if err := c.client().DeleteProgram(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "Deleted %s/%s\n", args[0], args[1])
			return nil
		},
	}
}

func (c *cli) deleteContractCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-contract <contract>",
		Short: "Delete every program of a contract",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.requireAPIKey(); err != nil {
				return err
			}
			if err := c.client().DeleteContract(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "Deleted contract %s\n", args[0])
			return nil
		},
	}
}
