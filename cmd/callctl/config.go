package main

import (
	"context"
	"errors"
	"fmt"

	"coldcaller-telephony/internal/registry"
	"coldcaller-telephony/internal/telephony"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage connection configurations",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all configurations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withRegistry(cmd, func(_ context.Context, reg *registry.Registry) error {
				renderConfigs(a.out, reg.List())
				return nil
			})
		},
	}

	showCmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show configuration details and recent tests",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRegistry(cmd, func(_ context.Context, reg *registry.Registry) error {
				v, err := reg.Get(args[0])
				if err != nil {
					return err
				}
				renderConfig(a.out, v)
				return nil
			})
		},
	}

	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Add a configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			in, err := inputFromFlags(cmd.Flags())
			if err != nil {
				return err
			}
			if in.Secret == nil {
				if secret := a.v.GetString("secret"); secret != "" {
					in.Secret = &secret
				}
			}
			activate, _ := cmd.Flags().GetBool("activate")
			return a.withRegistry(cmd, func(ctx context.Context, reg *registry.Registry) error {
				v, err := reg.Create(ctx, in)
				if err != nil {
					return explain(err)
				}
				if activate {
					if v, err = reg.SetActive(ctx, v.ID); err != nil {
						return err
					}
				}
				success(a, "Configuration '%s' added", v.ID)
				return nil
			})
		},
	}
	addInputFlags(addCmd.Flags())
	addCmd.Flags().Bool("activate", false, "Make the new configuration active")
	for _, f := range []string{"provider", "uri", "username", "server"} {
		_ = addCmd.MarkFlagRequired(f)
	}

	updateCmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update fields of a configuration; unset flags keep their value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := inputFromFlags(cmd.Flags())
			if err != nil {
				return err
			}
			return a.withRegistry(cmd, func(ctx context.Context, reg *registry.Registry) error {
				v, err := reg.Update(ctx, args[0], in)
				if err != nil {
					return explain(err)
				}
				success(a, "Configuration '%s' updated", v.ID)
				return nil
			})
		},
	}
	addInputFlags(updateCmd.Flags())

	deleteCmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an inactive configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRegistry(cmd, func(ctx context.Context, reg *registry.Registry) error {
				if err := reg.Delete(ctx, args[0]); err != nil {
					if errors.Is(err, registry.ErrActiveConfigDelete) {
						return fmt.Errorf("%s is active; activate another configuration first", args[0])
					}
					return err
				}
				success(a, "Configuration '%s' deleted", args[0])
				return nil
			})
		},
	}

	activateCmd := &cobra.Command{
		Use:   "activate <id>",
		Short: "Make a configuration the active one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRegistry(cmd, func(ctx context.Context, reg *registry.Registry) error {
				v, err := reg.SetActive(ctx, args[0])
				if err != nil {
					return err
				}
				success(a, "Configuration '%s' is now active", v.ID)
				return nil
			})
		},
	}

	testCmd := &cobra.Command{
		Use:   "test <id>",
		Short: "Probe a configuration and record the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRegistry(cmd, func(ctx context.Context, reg *registry.Registry) error {
				res, err := reg.Test(ctx, args[0])
				if err != nil {
					return err
				}
				renderTest(a.out, res)
				if !res.Success {
					return errors.New("connection test failed")
				}
				return nil
			})
		},
	}

	cmd.AddCommand(listCmd, showCmd, addCmd, updateCmd, deleteCmd, activateCmd, testCmd)
	return cmd
}

func addInputFlags(fs *pflag.FlagSet) {
	fs.StringP("provider", "p", "", "Provider name, e.g. twilio, telnyx, sip")
	fs.StringP("uri", "U", "", "Account URI, e.g. sip:agent@pbx.example.com")
	fs.StringP("username", "u", "", "Account username")
	fs.StringP("secret", "P", "", "Account secret (or CALLCTL_SECRET)")
	fs.StringP("server", "s", "", "Server host:port")
	fs.String("name", "", "Display label for the configuration")
	fs.String("display-name", "", "Caller display name")
	fs.Int("registration-expiry", 0, "Registration expiry in seconds")
	fs.Int("connection-timeout", 0, "Connection timeout in milliseconds")
	fs.Int("max-reconnect-attempts", 0, "Reconnection attempts before giving up")
	fs.Int("reconnect-base-delay", 0, "First reconnection delay in milliseconds")
	fs.String("transport", "", "Signaling transport: wss, ws, udp, tcp, tls")
	fs.String("signaling-url", "", "WebRTC signaling gateway URL")
	fs.StringSlice("ice", nil, "ICE server URL (repeatable)")
}

// inputFromFlags maps only the flags the user set, so update leaves the
// rest of the configuration untouched.
func inputFromFlags(fs *pflag.FlagSet) (registry.Input, error) {
	var in registry.Input
	str := func(name string, dst **string) {
		if fs.Changed(name) {
			v, _ := fs.GetString(name)
			*dst = &v
		}
	}
	num := func(name string, dst **int) {
		if fs.Changed(name) {
			v, _ := fs.GetInt(name)
			*dst = &v
		}
	}
	str("provider", &in.Provider)
	str("uri", &in.URI)
	str("username", &in.Username)
	str("secret", &in.Secret)
	str("server", &in.Server)
	str("name", &in.Name)
	str("display-name", &in.DisplayName)
	str("transport", &in.Transport)
	str("signaling-url", &in.SignalingURL)
	num("registration-expiry", &in.RegistrationExpirySec)
	num("connection-timeout", &in.ConnectionTimeoutMs)
	num("max-reconnect-attempts", &in.MaxReconnectAttempts)
	num("reconnect-base-delay", &in.ReconnectBaseDelayMs)

	if fs.Changed("ice") {
		urls, err := fs.GetStringSlice("ice")
		if err != nil {
			return registry.Input{}, err
		}
		servers := make([]telephony.ICEServer, 0, len(urls))
		for _, u := range urls {
			servers = append(servers, telephony.ICEServer{URLs: []string{u}})
		}
		in.ICEServers = &servers
	}
	return in, nil
}

// explain expands validation failures into one line per field.
func explain(err error) error {
	var verr *registry.ValidationError
	if !errors.As(err, &verr) {
		return err
	}
	msg := "invalid configuration:"
	for _, f := range verr.Fields {
		msg += fmt.Sprintf("\n  %s %s", f.Field, f.Message)
	}
	return errors.New(msg)
}

func success(a *app, format string, args ...any) {
	color.New(color.FgGreen).Fprintf(a.out, "✓ "+format+"\n", args...)
}
