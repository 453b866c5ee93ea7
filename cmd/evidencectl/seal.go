package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmerrifield20/fleetevidence/internal/evidence"
)

// ── seal ─────────────────────────────────────────────────────────────────────

var (
	sealTenant      string
	sealEventType   string
	sealDescription string
	sealVehicle     string
	sealDataFile    string
	sealSource      string
	sealFingerprint string
)

var sealCmd = &cobra.Command{
	Use:   "seal",
	Short: "Seal an evidence record",
	Long: `seal appends a record to the tenant's hash chain and prints it.

  evidencectl seal --tenant acme --event-type harsh_braking \
    --description "0.8 g at 64 km/h" --vehicle truck-7 --data event.json`,
	Args: cobra.NoArgs,
	RunE: runSeal,
}

func init() {
	sealCmd.Flags().StringVar(&sealTenant, "tenant", "", "Tenant ID (required)")
	sealCmd.Flags().StringVar(&sealEventType, "event-type", "", "Event type (required)")
	sealCmd.Flags().StringVar(&sealDescription, "description", "", "Human-readable description (required)")
	sealCmd.Flags().StringVar(&sealVehicle, "vehicle", "", "Vehicle ID")
	sealCmd.Flags().StringVar(&sealDataFile, "data", "", "JSON file with the event payload, or - for stdin")
	sealCmd.Flags().StringVar(&sealSource, "source", "cli", "Source recorded on the record")
	sealCmd.Flags().StringVar(&sealFingerprint, "device-fingerprint", "", "Registered device certificate fingerprint")
	_ = sealCmd.MarkFlagRequired("tenant")
	_ = sealCmd.MarkFlagRequired("event-type")
	_ = sealCmd.MarkFlagRequired("description")
}

func runSeal(cmd *cobra.Command, args []string) error {
	req := evidence.SealRequest{
		TenantID:          sealTenant,
		EventType:         sealEventType,
		Description:       sealDescription,
		VehicleID:         sealVehicle,
		Source:            sealSource,
		DeviceFingerprint: sealFingerprint,
	}
	if sealDataFile != "" {
		data, err := readInput(sealDataFile)
		if err != nil {
			return err
		}
		if !json.Valid(data) {
			return fmt.Errorf("%s does not contain valid JSON", sealDataFile)
		}
		req.Data = data
	}

	c, err := newClient()
	if err != nil {
		return err
	}
	rec, err := c.Seal(context.Background(), req)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if outputFormat == "json" {
		return printJSON(out, rec)
	}
	fmt.Fprintf(out, "ID:          %s\n", rec.ID)
	fmt.Fprintf(out, "Tenant:      %s\n", rec.TenantID)
	fmt.Fprintf(out, "Chain index: %d\n", rec.ChainIndex)
	fmt.Fprintf(out, "Prev hash:   %s\n", rec.PrevHash)
	fmt.Fprintf(out, "SHA-256:     %s\n", rec.SHA256Hash)
	fmt.Fprintf(out, "Sealed at:   %s\n", evidence.FormatSealedAt(rec.SealedAt))
	return nil
}

// ── batch ────────────────────────────────────────────────────────────────────

var (
	batchTenant  string
	batchFrom    int64
	batchTo      int64
	batchPending bool
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Seal a Merkle root over a range of a tenant's chain",
	Long: `batch builds a Merkle tree over [--from, --to] of the tenant's chain and
stores its root. With --pending it covers everything sealed since the last
batch.`,
	Args: cobra.NoArgs,
	RunE: runBatch,
}

func init() {
	batchCmd.Flags().StringVar(&batchTenant, "tenant", "", "Tenant ID (required)")
	batchCmd.Flags().Int64Var(&batchFrom, "from", 0, "First chain index")
	batchCmd.Flags().Int64Var(&batchTo, "to", 0, "Last chain index")
	batchCmd.Flags().BoolVar(&batchPending, "pending", false, "Batch every record not yet covered by a root")
	_ = batchCmd.MarkFlagRequired("tenant")
	batchCmd.MarkFlagsMutuallyExclusive("pending", "from")
	batchCmd.MarkFlagsMutuallyExclusive("pending", "to")
}

func runBatch(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	ctx := context.Background()

	var root *evidence.MerkleRoot
	if batchPending {
		root, err = c.SealPending(ctx, batchTenant)
	} else {
		root, err = c.Batch(ctx, evidence.BatchRequest{TenantID: batchTenant, FromIndex: batchFrom, ToIndex: batchTo})
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if outputFormat == "json" {
		return printJSON(out, root)
	}
	fmt.Fprintf(out, "Root ID:   %s\n", root.ID)
	fmt.Fprintf(out, "Root hash: %s\n", root.RootHash)
	fmt.Fprintf(out, "Range:     %d..%d (%d leaves, depth %d)\n",
		root.FirstChainIndex, root.LastChainIndex, root.LeafCount, root.TreeDepth)
	return nil
}

// ── export ───────────────────────────────────────────────────────────────────

var (
	exportTenant string
	exportFrom   int64
	exportTo     int64
	exportOut    string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a tenant's records as a verifiable bundle",
	Long: `export writes the tenant's records in [--from, --to] together with their
Merkle roots. The bundle can be checked later with 'evidencectl verify-bundle'.`,
	Args: cobra.NoArgs,
	RunE: runExport,
}

func init() {
	exportCmd.Flags().StringVar(&exportTenant, "tenant", "", "Tenant ID (required)")
	exportCmd.Flags().Int64Var(&exportFrom, "from", 0, "First chain index (default 1)")
	exportCmd.Flags().Int64Var(&exportTo, "to", 0, "Last chain index (default current head)")
	exportCmd.Flags().StringVar(&exportOut, "out", "-", "Output file, or - for stdout")
	_ = exportCmd.MarkFlagRequired("tenant")
}

func runExport(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	raw, err := c.Export(context.Background(), exportTenant, exportFrom, exportTo)
	if err != nil {
		return err
	}

	if exportOut == "-" {
		_, err := cmd.OutOrStdout().Write(append(raw, '\n'))
		return err
	}
	if err := os.WriteFile(exportOut, raw, 0o600); err != nil {
		return fmt.Errorf("write bundle: %w", err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "bundle written to %s\n", exportOut)
	return nil
}
