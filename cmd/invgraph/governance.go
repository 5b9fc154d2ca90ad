package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/invgraph/invgraph/pkg/risk"
	"github.com/invgraph/invgraph/pkg/types"
)

var governanceCmd = &cobra.Command{
	Use:   "governance",
	Short: "Submit and drive change requests through risk, policy, and approval",
}

var governanceSubmitCmd = &cobra.Command{
	Use:   "submit TARGET_ID ACTION",
	Short: "Submit a new change request and advance it through risk assessment, policy evaluation and, unless rejected, an approval request",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		targetID, action := args[0], args[1]
		category, _ := cmd.Flags().GetString("category")
		dangerous, _ := cmd.Flags().GetBool("dangerous")
		environment, _ := cmd.Flags().GetString("environment")
		initiator, _ := cmd.Flags().GetString("initiator")
		paramsJSON, _ := cmd.Flags().GetString("parameters")
		resourceIDs, _ := cmd.Flags().GetStringSlice("resource-id")

		var params map[string]interface{}
		if paramsJSON != "" {
			if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
				return fmt.Errorf("parse --parameters: %w", err)
			}
		}

		e, err := openEnv(cmd, true)
		if err != nil {
			return err
		}
		defer e.Close()

		in := risk.Input{
			Category:    category,
			Dangerous:   dangerous,
			Environment: types.Environment(environment),
			Parameters:  params,
			ResourceIDs: resourceIDs,
		}

		cr, err := e.governance.Submit(in, initiator, types.InitiatorHuman, targetID, action)
		if err != nil {
			return fmt.Errorf("submit change request: %w", err)
		}
		if cr, err = e.governance.AssessRisk(cr.ID); err != nil {
			return fmt.Errorf("assess risk: %w", err)
		}
		if cr, err = e.governance.EvaluatePolicy(cr.ID); err != nil {
			return fmt.Errorf("evaluate policy: %w", err)
		}
		if cr.State != types.StateRejected {
			if cr, err = e.governance.RequestApproval(cr.ID); err != nil {
				return fmt.Errorf("request approval: %w", err)
			}
		}

		printChangeRequest(cr)
		return nil
	},
}

var governanceApproveCmd = &cobra.Command{
	Use:   "approve ID",
	Short: "Record an approval against an awaiting-approval request's active chain step",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		approver, _ := cmd.Flags().GetString("approver")
		reason, _ := cmd.Flags().GetString("reason")
		step, _ := cmd.Flags().GetString("step")

		e, err := openEnv(cmd, true)
		if err != nil {
			return err
		}
		defer e.Close()

		cr, err := e.governance.SubmitApproval(args[0], step, approver, true, reason)
		if err != nil {
			return fmt.Errorf("submit approval: %w", err)
		}
		printChangeRequest(cr)
		return nil
	},
}

var governanceRejectCmd = &cobra.Command{
	Use:   "reject ID",
	Short: "Record a rejection against an awaiting-approval request, rejecting the whole chain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		approver, _ := cmd.Flags().GetString("approver")
		reason, _ := cmd.Flags().GetString("reason")
		step, _ := cmd.Flags().GetString("step")

		e, err := openEnv(cmd, true)
		if err != nil {
			return err
		}
		defer e.Close()

		cr, err := e.governance.SubmitApproval(args[0], step, approver, false, reason)
		if err != nil {
			return fmt.Errorf("submit approval: %w", err)
		}
		printChangeRequest(cr)
		return nil
	},
}

var governanceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all change requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd, true)
		if err != nil {
			return err
		}
		defer e.Close()

		crs, err := e.governance.List()
		if err != nil {
			return fmt.Errorf("list change requests: %w", err)
		}
		if len(crs) == 0 {
			fmt.Println("No change requests found")
			return nil
		}
		fmt.Printf("%-38s %-22s %-10s %s\n", "ID", "STATE", "RISK", "TARGET")
		for _, cr := range crs {
			level := ""
			if cr.Risk != nil {
				level = string(cr.Risk.Level)
			}
			fmt.Printf("%-38s %-22s %-10s %s\n", cr.ID, cr.State, level, cr.TargetID)
		}
		return nil
	},
}

func init() {
	governanceSubmitCmd.Flags().String("category", "", "Operation category (delete, security, network, migrate, scale, backup, audit, ...)")
	governanceSubmitCmd.Flags().Bool("dangerous", false, "Mark the operation as inherently dangerous")
	governanceSubmitCmd.Flags().String("environment", string(types.EnvDevelopment), "Target environment")
	governanceSubmitCmd.Flags().String("initiator", "cli", "Who is submitting this request")
	governanceSubmitCmd.Flags().String("parameters", "", "JSON object of operation parameters")
	governanceSubmitCmd.Flags().StringSlice("resource-id", nil, "Resource IDs affected by this change")

	governanceApproveCmd.Flags().String("approver", "cli", "Identity recorded as the approver")
	governanceApproveCmd.Flags().String("reason", "", "Free-text reason recorded in the audit trail")
	governanceApproveCmd.Flags().String("step", "", "Approval chain step this decision applies to (defaults to whichever step is currently active)")

	governanceRejectCmd.Flags().String("approver", "cli", "Identity recorded as the rejecter")
	governanceRejectCmd.Flags().String("reason", "", "Free-text reason recorded in the audit trail")
	governanceRejectCmd.Flags().String("step", "", "Approval chain step this decision applies to (defaults to whichever step is currently active)")

	governanceCmd.AddCommand(governanceSubmitCmd)
	governanceCmd.AddCommand(governanceApproveCmd)
	governanceCmd.AddCommand(governanceRejectCmd)
	governanceCmd.AddCommand(governanceListCmd)
}

func printChangeRequest(cr *types.ChangeRequest) {
	fmt.Printf("Change request: %s\n", cr.ID)
	fmt.Printf("  State:  %s\n", cr.State)
	fmt.Printf("  Target: %s (%s)\n", cr.TargetID, cr.Action)
	if cr.Risk != nil {
		fmt.Printf("  Risk:   %.0f (%s), requires approval: %v\n", cr.Risk.OverallScore, cr.Risk.Level, cr.Risk.RequiresApproval)
	}
	if len(cr.Violations) > 0 {
		fmt.Println("  Policy violations:")
		for _, v := range cr.Violations {
			fmt.Printf("    - [%s/%s] %s: %s\n", v.Severity, v.Action, v.RuleID, v.Message)
		}
	}
	if cr.ApprovalChain != nil {
		fmt.Printf("  Approval chain (%s):\n", cr.ApprovalChain.Mode)
		for _, s := range cr.ApprovalChain.Steps {
			fmt.Printf("    - %s: %d/%d approvals\n", s.Name, s.ApprovalCount(), s.RequiredApprovers)
		}
	}
}
