package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/gophertribe/devtool/build"
)

// The image carries the cgo toolchain karalabe/hid needs for the MCP2221 bridge.
const (
	binary        = "dist/smp"
	mainPackage   = "./cmd/sampler"
	configPackage = "github.com/mklimuk/sampler/config"
	buildImage    = "gophertribe/gobuild:1.25-bookworm"
)

func BuildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build the smp sampler binary into " + binary,
		Long:  "Builds " + mainPackage + " with the version injected into " + configPackage + ", foreign targets inside " + buildImage + ".",
		RunE: func(cmd *cobra.Command, args []string) error {
			goos := cmd.Flag("os").Value.String()
			arch := cmd.Flag("arch").Value.String()
			version := cmd.Flag("version").Value.String()
			crossOs := cmd.Flag("cross-os").Value.String()
			crossArch := cmd.Flag("cross-arch").Value.String()

			if goos != runtime.GOOS || arch != runtime.GOARCH {
				noCache, err := cmd.Flags().GetBool("no-cache")
				if err != nil {
					return fmt.Errorf("could not get no-cache flag: %w", err)
				}
				// the container runs this same tool natively
				return build.Docker(cmd.Context(), fmt.Sprintf("./dev-%s-%s", goos, arch),
					[]string{"build", "--version", version, "--cross-os", crossOs, "--cross-arch", crossArch},
					build.DockerBuildOpts{NoCache: noCache, Image: buildImage})
			}
			if crossOs != "" && crossArch != "" {
				goos, arch = crossOs, crossArch
			}
			return build.GoBuild(binary, mainPackage, build.GoBuildOpts{
				Version:       version,
				InjectVersion: true,
				ConfigPackage: configPackage,
				EnableCgo:     true,
				Arch:          arch,
				OS:            goos,
			})
		},
	}
	cmd.Flags().Bool("no-cache", false, "do not use the docker build cache")
	cmd.Flags().String("version", "latest", "version injected into the smp binary")
	cmd.Flags().String("os", runtime.GOOS, "os of the build host (docker is used when it is not this one)")
	cmd.Flags().String("arch", runtime.GOARCH, "arch of the build host (docker is used when it is not this one)")
	cmd.Flags().String("cross-os", "", "os to cross-compile smp for, e.g. linux")
	cmd.Flags().String("cross-arch", "", "arch to cross-compile smp for, e.g. arm64 for a Raspberry Pi")

	return cmd
}
