package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/twopence/twopence/imageformat"
	"github.com/twopence/twopence/internal/dcontext"
	"github.com/twopence/twopence/layermap"
)

// errImageMissing makes the process exit with status 1 without printing an
// error message.
var errImageMissing = errors.New("image not found")

func newInspectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <spec>",
		Short: "`inspect` shows the manifest, labels and base images of an image",
		Long:  "`inspect` shows the manifest, labels and base images of an image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			img, err := a.factory.Load(ctx, args[0])
			if err != nil {
				return err
			}
			return printImage(cmd, img)
		},
	}
}

func printImage(cmd *cobra.Command, img *imageformat.Image) error {
	ctx := cmd.Context()
	config, err := img.Config(ctx)
	if err != nil {
		return err
	}
	bases, err := img.BaseImages(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	d := img.Manifest.Descriptor()
	fmt.Fprintf(w, "Image:\t%s\n", img.Spec())
	fmt.Fprintf(w, "Manifest:\t%s\t%s\n", d.Digest, d.MediaType)
	if img.Manifest.Config != nil {
		fmt.Fprintf(w, "Config:\t%s\t%d bytes\n", img.Manifest.Config.Digest, img.Manifest.Config.Size)
	}
	if v := config.Version(); v != "" {
		fmt.Fprintf(w, "Version:\t%s\n", v)
	}
	if config.Architecture != "" {
		fmt.Fprintf(w, "Platform:\t%s/%s\n", config.OS, config.Architecture)
	}

	fmt.Fprintln(w, "Layers:")
	for _, l := range img.Manifest.Layers {
		fmt.Fprintf(w, "  %s\t%s\t%d", l.Digest, l.MediaType, l.Size)
		if len(l.URLs) > 0 {
			fmt.Fprintf(w, "\t%s", strings.Join(l.URLs, ","))
		}
		fmt.Fprintln(w)
	}

	labels := config.Labels()
	if len(labels) > 0 {
		fmt.Fprintln(w, "Labels:")
		keys := make([]string, 0, len(labels))
		for k := range labels {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "  %s\t%s\n", k, labels[k])
		}
	}

	if len(bases) > 0 {
		fmt.Fprintln(w, "Base images:")
		for _, b := range bases {
			fmt.Fprintf(w, "  %s\n", b)
		}
	}
	return w.Flush()
}

func newCopyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "copy <source> <destination>",
		Short: "`copy` saves an image loaded from one store into another",
		Long:  "`copy` saves an image loaded from one store into another",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			img, err := a.factory.Load(ctx, args[0])
			if err != nil {
				return err
			}
			dst, err := a.factory.Storage(ctx, args[1])
			if err != nil {
				return err
			}
			if err := dst.Save(ctx, img); err != nil {
				return err
			}
			a.logCacheStats()
			dcontext.GetLogger(ctx).Infof("Copied %s to %s", img.Spec(), dst.Spec())
			return nil
		},
	}
}

func newExistsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "exists <spec>",
		Short: "`exists` checks whether an image is available for the selected platform",
		Long:  "`exists` checks whether an image is available for the selected platform, exiting with status 1 when it is not",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			found, err := a.factory.Resolve(cmd.Context(), args[0], "", "")
			if err != nil {
				return err
			}
			return printPresence(cmd.OutOrStdout(), args[0], found)
		},
	}
}

func printPresence(w io.Writer, spec string, found bool) error {
	if !found {
		fmt.Fprintf(w, "%s: absent\n", spec)
		return errImageMissing
	}
	fmt.Fprintf(w, "%s: present\n", spec)
	return nil
}

func newExternalizeCmd(a *app) *cobra.Command {
	var from []string

	cmd := &cobra.Command{
		Use:   "externalize <spec> <destination> --from <spec>...",
		Short: "`externalize` copies an image, referencing layers found in other images instead of storing them",
		Long: "`externalize` copies an image, referencing layers found in other images instead of storing them. " +
			"Layers shared with several images point into the one with the fewest layers.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if len(from) == 0 {
				return errors.New("at least one --from image is required")
			}

			lm := layermap.New()
			for _, spec := range from {
				img, err := a.factory.Load(ctx, spec)
				if err != nil {
					var loadErr *imageformat.ImageLoadError
					if errors.As(err, &loadErr) {
						dcontext.GetLogger(ctx).Infof("%s: %s", loadErr.Image, loadErr.Reason)
						continue
					}
					return err
				}
				if err := lm.AddImage(ctx, img); err != nil {
					return err
				}
			}

			img, err := a.factory.Load(ctx, args[0])
			if err != nil {
				return err
			}
			m, n, err := lm.Externalize(ctx, img.Manifest)
			if err != nil {
				return err
			}
			dcontext.GetLogger(ctx).Infof("Referencing %d of %d layers externally", n, len(m.Layers))
			img.Manifest = m

			dst, err := a.factory.Storage(ctx, args[1])
			if err != nil {
				return err
			}
			if err := dst.Save(ctx, img); err != nil {
				return err
			}
			a.logCacheStats()
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&from, "from", nil, "image whose layers may be referenced (repeatable)")
	return cmd
}
