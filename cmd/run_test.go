package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/granule-sync/internal/config"
	"github.com/sells-group/granule-sync/internal/pipeline"
)

func testCommand() (*cobra.Command, *bytes.Buffer) {
	var out bytes.Buffer
	c := &cobra.Command{}
	c.SetContext(context.Background())
	c.SetOut(&out)
	return c, &out
}

func TestRunPipeline_InvalidConfig(t *testing.T) {
	cfg = testConfig(t)
	cfg.Pipeline.OutputDir = ""

	c, out := testCommand()
	err := runPipeline(c, nil, pipeline.AllSteps)
	require.Error(t, err)

	var verr *config.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "pipeline.output_dir", verr.Field)
	assert.Empty(t, out.String())
}

func TestRunPipeline_InvalidDataset(t *testing.T) {
	cfg = testConfig(t)
	writeDataset(t, cfg.Pipeline.DatasetsDir, "broken", "ds_name: broken\n")

	c, out := testCommand()
	err := runPipeline(c, nil, pipeline.AllSteps)
	require.Error(t, err)

	var verr *config.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Empty(t, out.String())
}

func TestRunPipeline_UnknownDataset(t *testing.T) {
	cfg = testConfig(t)

	c, _ := testCommand()
	err := runPipeline(c, []string{"missing"}, pipeline.AllSteps)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
}

func TestRunPipeline_ReportsFailedStages(t *testing.T) {
	cfg = testConfig(t)
	writeDataset(t, cfg.Pipeline.DatasetsDir, "OSISAF_conc", validDataset("OSISAF_conc"))

	// No aggregate command is configured, so the stage fails without I/O.
	c, out := testCommand()
	err := runPipeline(c, nil, []pipeline.Step{pipeline.StepAggregate})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 1 datasets")

	report := out.String()
	assert.Contains(t, report, "# Pipeline Report")
	assert.Contains(t, report, "## OSISAF_conc")
	assert.Contains(t, report, "no aggregator configured")
}

func TestRunCommand_InvalidSteps(t *testing.T) {
	cfg = testConfig(t)
	runSteps = "harvest,compress"
	defer func() { runSteps = "harvest,transform,aggregate" }()

	runCmd.SetContext(context.Background())
	err := runCmd.RunE(runCmd, nil)
	require.Error(t, err)

	var verr *config.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "steps", verr.Field)
}
