// image-assembler builds a bootable cloud appliance image from a
// bootstrapped root filesystem tree: an immutable zstd squashfs root,
// a persistent state partition joined to it by an overlay at boot, and
// one of three boot strategies, then optionally publishes the result
// to S3 and registers it as an AMI.
package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/hashbrowncipher/ec2-images/internal/artifact"
	"github.com/hashbrowncipher/ec2-images/internal/assembler"
	"github.com/hashbrowncipher/ec2-images/internal/boot"
	"github.com/hashbrowncipher/ec2-images/internal/cloud/awscloud"
	"github.com/hashbrowncipher/ec2-images/internal/disk"
	"github.com/hashbrowncipher/ec2-images/internal/executor"
	"github.com/hashbrowncipher/ec2-images/internal/overlay"
	"github.com/hashbrowncipher/ec2-images/internal/pecoff"
	"github.com/hashbrowncipher/ec2-images/internal/treeprep"
)

var (
	configFile string
	verbose    bool
)

func bootConfig(c *BuildConfigFile, stateUUID string) boot.Config {
	return boot.Config{
		Strategy:        boot.Strategy(c.Strategy),
		OSReleaseName:   c.OSName,
		CmdlineExtra:    c.CmdlineExtra,
		StubPath:        c.StubPath,
		BootManagerPath: c.BootManagerPath,
		ESPSectors:      uint64(c.ESPSize) / disk.SectorSize,
		BootSectors:     uint64(c.BootSize) / disk.SectorSize,
		StateUUID:       stateUUID,
	}
}

func buildOptions(c *BuildConfigFile, inst boot.Installer, squashfs, bootDir string) assembler.Options {
	return assembler.Options{
		OutputPath:   c.OutputPath,
		ImageBytes:   uint64(c.ImageSize),
		SquashfsPath: squashfs,
		TreeDir:      c.TreeDir,
		BootDir:      bootDir,
		Installer:    inst,
		Runner:       executor.NewHostRunner(),
		Mounter:      executor.NewHostMounter(),
		Out:          os.Stdout,
	}
}

var assembleCmd = &cobra.Command{
	Use:          "assemble",
	Short:        "Build the image end to end: tree preparation, squashfs, partitioning, boot setup, compression",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := LoadConfig(configFile)
		if err != nil {
			return err
		}
		if c.TreeDir == "" {
			return fmt.Errorf("no root tree configured; set tree in %s", configFile)
		}

		// the overlay machinery baked into the initramfs names the
		// state partition by GUID, so it has to be fixed before the
		// tree is compressed
		stateUUID := uuid.New().String()

		inst, err := boot.NewInstaller(bootConfig(c, stateUUID))
		if err != nil {
			return err
		}

		runner := executor.NewHostRunner()

		if err := treeprep.ResetRootPassword(c.TreeDir); err != nil {
			return err
		}
		if err := treeprep.Customize(c.TreeDir, treeprep.Config{
			AuthorizedKeys: c.AuthorizedKeys,
		}); err != nil {
			return err
		}
		if err := overlay.Compose(c.TreeDir, stateUUID); err != nil {
			return err
		}

		// kernel installation also generates the initramfs, so it runs
		// after the overlay machinery is in place
		bootDir := "boot"
		if err := treeprep.ExtractKernel(runner, c.TreeDir, bootDir, c.KernelPackage); err != nil {
			return err
		}

		squashfs := "image.squashfs"
		if err := treeprep.MakeSquashfs(runner, c.TreeDir, squashfs); err != nil {
			return err
		}

		if err := assembler.Assemble(buildOptions(c, inst, squashfs, bootDir)); err != nil {
			return err
		}

		compressed, err := artifact.Compress(c.OutputPath)
		if err != nil {
			return err
		}
		return artifact.PrintSHA256(os.Stdout, compressed)
	},
}

var configCmd = &cobra.Command{
	Use:          "config",
	Short:        "Print the effective build configuration, defaults applied",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := LoadConfig(configFile)
		if err != nil {
			return err
		}
		return DumpConfig(c, os.Stdout)
	},
}

var planCmd = &cobra.Command{
	Use:          "plan <squashfs>",
	Short:        "Print the computed partition layout without writing anything",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := LoadConfig(configFile)
		if err != nil {
			return err
		}
		inst, err := boot.NewInstaller(bootConfig(c, ""))
		if err != nil {
			return err
		}
		opts := buildOptions(c, inst, args[0], "")
		table, err := assembler.Plan(opts)
		if err != nil {
			return err
		}
		fmt.Print(table.SfdiskScript())
		return nil
	},
}

var measureCmd = &cobra.Command{
	Use:          "measure <efi-binary>",
	Short:        "Print the digest a TPM will record for a unified kernel binary",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		digest, err := pecoff.MeasureFile(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("sha256(%q): %s\n", args[0], digest)
		return nil
	},
}

var uploadCmd = &cobra.Command{
	Use:          "upload <file>",
	Short:        "Upload a compressed image to S3 and optionally register an AMI",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := LoadConfig(configFile)
		if err != nil {
			return err
		}
		if c.AWS == nil {
			return fmt.Errorf("no aws section in %s", configFile)
		}

		a, err := awscloud.NewDefault(c.AWS.Region)
		if err != nil {
			return err
		}

		out, err := a.Upload(args[0], c.AWS.Bucket, c.AWS.Key)
		if err != nil {
			return err
		}
		fmt.Printf("file uploaded to %s\n", out.Location)

		if c.AWS.Name == "" {
			return nil
		}

		bootMode := "uefi"
		if boot.Strategy(c.Strategy) == boot.StrategyLegacyGRUB {
			bootMode = "legacy-bios"
		}
		imageID, err := a.Register(c.AWS.Name, c.AWS.Bucket, c.AWS.Key, bootMode)
		if err != nil {
			return err
		}
		fmt.Printf("registered AMI %s\n", imageID)
		return nil
	},
}

func main() {
	rootCmd := &cobra.Command{
		Use:          "image-assembler",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "image-assembler.toml", "build configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log every host command")
	rootCmd.AddCommand(assembleCmd, configCmd, planCmd, measureCmd, uploadCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
