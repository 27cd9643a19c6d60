package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/estvita/partnergate/internal/authflow"
	"github.com/estvita/partnergate/internal/config"
)

var (
	loginIdentifier string
	loginPassword   string
	loginTarget     string
	loginOutput     string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Run an authentication session and save the captured state",
	Long: `Starts an authentication session against the portal, streams its
progress, prompts on stdin when a verification code is required, and writes
the captured cookies and web storage to the output file on success.`,
	RunE: runLogin,
}

func init() {
	loginCmd.Flags().StringVarP(&loginIdentifier, "login", "l", "", "account login (email or phone)")
	loginCmd.Flags().StringVarP(&loginPassword, "password", "p", "", "account password")
	loginCmd.Flags().StringVarP(&loginTarget, "target", "t", "", "portal login URL (overrides auth.target_url)")
	loginCmd.Flags().StringVarP(&loginOutput, "output", "o", "session.json", "file to write the captured session state to")
	_ = loginCmd.MarkFlagRequired("login")
	rootCmd.AddCommand(loginCmd)
}

func runLogin(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	st, err := newStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()
	facade := newFacade(st)

	target := loginTarget
	if target == "" {
		target = config.Get().Auth.TargetURL
	}

	sessionID, err := facade.Start(ctx, target, loginIdentifier, loginPassword)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Session %s started\n", sessionID)

	printed := 0
	otpPrompted := false
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		payload, ok, err := facade.Status(ctx, sessionID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("session %s expired before finishing", sessionID)
		}

		// The log is a rolling window; a shrink means old lines rolled off.
		if len(payload.Logs) < printed {
			printed = 0
		}
		for _, line := range payload.Logs[printed:] {
			fmt.Fprintln(cmd.OutOrStdout(), line)
		}
		printed = len(payload.Logs)

		switch payload.Status {
		case authflow.StatusOTPRequired:
			if otpPrompted {
				continue
			}
			code, err := promptOTP(cmd)
			if err != nil {
				return err
			}
			if err := facade.SubmitOTP(ctx, sessionID, code); err != nil {
				return err
			}
			otpPrompted = true

		case authflow.StatusRunning:
			// A fresh code can be requested again after a bad one.
			otpPrompted = false

		case authflow.StatusSuccess:
			result, found, err := facade.Result(ctx, sessionID)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("session %s succeeded but its result has expired", sessionID)
			}
			if err := os.WriteFile(loginOutput, result, 0o600); err != nil {
				return fmt.Errorf("failed to write session state: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Session state written to %s\n", loginOutput)
			return nil

		case authflow.StatusFailed:
			return fmt.Errorf("authentication failed: %s", payload.Message)
		}
	}
}

func promptOTP(cmd *cobra.Command) (string, error) {
	fmt.Fprint(cmd.OutOrStdout(), "Verification code: ")
	reader := bufio.NewReader(cmd.InOrStdin())
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("failed to read verification code: %w", err)
	}
	return strings.TrimSpace(line), nil
}
