package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bryanchriswhite/wlgrab/internal/capture"
	"github.com/bryanchriswhite/wlgrab/internal/config"
	"github.com/bryanchriswhite/wlgrab/internal/logger"
	"github.com/bryanchriswhite/wlgrab/internal/output"
	"github.com/bryanchriswhite/wlgrab/internal/wayland"
)

var (
	cfgFile string

	grabOutput string
	grabRegion string
	grabFile   string
	grabStdout bool
	grabDebug  bool

	rootCmd = &cobra.Command{
		Use:   "wlgrab",
		Short: "wlgrab - screenshot tool for wlroots compositors",
		Long: `wlgrab captures screenshots on Wayland compositors that implement the
wlr-screencopy protocol (Sway, River, Hyprland, Wayfire, ...).

Captures can cover all outputs, a single named output, or an arbitrary
region in global logical coordinates. Multi-output captures are stitched
into one image.`,
		Example: `  # Capture all outputs to <timestamp>-wlgrab.png
  wlgrab

  # Capture one output, include the cursor
  wlgrab -o DP-1 -c

  # Capture a region (slurp syntax works: wlgrab -g "$(slurp)")
  wlgrab -g "100,100 400x300" -f shot.png

  # Pipe a JPEG to another tool
  wlgrab -s -t jpg | wl-copy -t image/jpeg`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runGrab,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/wlgrab/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&grabDebug, "debug", "d", false, "enable debug logging")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")

	rootCmd.Flags().StringVarP(&grabOutput, "output", "o", "", "capture only the named output")
	rootCmd.Flags().StringVarP(&grabRegion, "region", "g", "", `capture region, "x,y WxH" or "x y w h"`)
	rootCmd.Flags().BoolP("cursor", "c", false, "overlay the pointer cursor")
	rootCmd.Flags().StringVarP(&grabFile, "file", "f", "", "write the image to this path")
	rootCmd.Flags().BoolVarP(&grabStdout, "stdout", "s", false, "write the image to standard output")
	rootCmd.Flags().StringP("format", "t", "png", "image format (png, jpg, ppm)")

	viper.BindPFlag(config.KeyLogLevel, rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag(config.KeyCursor, rootCmd.Flags().Lookup("cursor"))
	viper.BindPFlag(config.KeyFormat, rootCmd.Flags().Lookup("format"))
}

func initConfig() {
	if err := config.Init(cfgFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
}

// initLogging applies the resolved log level; --debug wins.
func initLogging() {
	level := config.Get().LogLevel
	if grabDebug {
		level = "debug"
	}
	logger.Init(level, true)
}

func runGrab(cmd *cobra.Command, args []string) error {
	initLogging()
	log := logger.WithComponent("wlgrab")
	settings := config.Get()

	format, err := output.ParseFormat(settings.Format)
	if err != nil {
		return err
	}

	var region capture.Rect
	if grabRegion != "" {
		region, err = capture.ParseRegion(grabRegion)
		if err != nil {
			return err
		}
	}

	conn, err := wayland.Dial()
	if err != nil {
		return fmt.Errorf("connect to compositor: %w", err)
	}
	defer conn.Close()

	session := capture.NewSession(conn)
	if err := session.Discover(); err != nil {
		return err
	}

	img, err := session.Capture(capture.Options{
		Output: grabOutput,
		Region: region,
		Cursor: settings.Cursor,
	})
	if err != nil {
		return err
	}

	if grabStdout {
		return output.Write(os.Stdout, format, img)
	}

	path := grabFile
	if path == "" {
		path = fmt.Sprintf("%d-wlgrab.%s", time.Now().Unix(), format.Ext())
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := output.Write(f, format, img); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	log.Info().
		Str("file", path).
		Int("width", img.Bounds().Dx()).
		Int("height", img.Bounds().Dy()).
		Msg("screenshot written")
	return nil
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logger.Get().Error().Msg(err.Error())
		os.Exit(1)
	}
}
