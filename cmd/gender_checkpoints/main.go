/*
 *	Copyright 2025 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// gender_checkpoints lists the epoch snapshots saved while training a model with gender_train, and the
// state of the latest checkpoint.
//
//	$ gender_checkpoints -best=val_acc ~/work/faces/mobilenet
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gender/gender"
	"github.com/gomlx/gender/snapshots"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/plots"
	"github.com/janpfeifer/must"
	"github.com/muesli/termenv"
	"k8s.io/klog/v2"
)

var (
	flagSummary   = flag.Bool("summary", true, "Display a summary of the latest checkpoint: global step, classes and sizes.")
	flagSnapshots = flag.Bool("snapshots", true, fmt.Sprintf("Lists the epoch snapshots recorded in %q.", snapshots.ManifestFileName))
	flagParams    = flag.Bool("params", false, "Lists the hyperparameters of the latest checkpoint.")
	flagMetrics   = flag.Bool("metrics", false, fmt.Sprintf("Lists the metrics collected for plotting in file %q.", plots.TrainingPlotFileName))
	flagBest      = flag.String("best", "val_loss", "Metric used to select the best snapshot: the lowest for losses, the highest otherwise.")
	flagNoColor   = flag.Bool("no_color", false, "Disable colors in the output.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	args := flag.Args()
	if len(args) != 1 {
		klog.Errorf("Expected one checkpoint directory to read from. See 'gender_checkpoints -help'.")
		os.Exit(1)
	}
	if *flagNoColor || termenv.NewOutput(os.Stdout).Profile == termenv.Ascii {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
	report(must.M1(fsutil.ReplaceTildeInDir(args[0])))
}

func report(checkpointDir string) {
	if *flagSummary || *flagParams {
		ctx := context.New()
		_ = must.M1(checkpoints.Load(ctx).Dir(checkpointDir).Immediate().Done())
		if *flagSummary {
			summary(ctx, checkpointDir)
		}
		if *flagParams {
			params(ctx)
		}
	}
	if *flagSnapshots {
		listSnapshots(checkpointDir)
	}
	if *flagMetrics {
		metrics(checkpointDir)
	}
}

func summary(ctx *context.Context, checkpointDir string) {
	fmt.Println(titleStyle.Render("Summary"))
	table := newTable(lipgloss.Right, lipgloss.Left)
	table.Row(false, "checkpoint", checkpointDir)
	if list, err := snapshots.ListCheckpoints(checkpointDir); err == nil && len(list) > 0 {
		table.Row(false, "latest", list[len(list)-1])
	}
	table.Row(false, "model", context.GetParamOr(ctx, gender.ParamModel, ""))
	table.Row(false, "classes", strings.Join(gender.Classes(ctx), ", "))
	table.Row(false, "image size", fmt.Sprintf("%d", gender.ImageSize(ctx)))
	table.Row(false, "global_step", humanize.Comma(optimizers.GetGlobalStep(ctx)))

	var numVars, totalSize int
	var totalMemory uintptr
	ctx.InAbsPath("/model").EnumerateVariablesInScope(func(v *context.Variable) {
		numVars++
		totalSize += v.Shape().Size()
		totalMemory += v.Shape().Memory()
	})
	table.Row(false, "# variables", humanize.Comma(int64(numVars)))
	table.Row(false, "# parameters", humanize.Comma(int64(totalSize)))
	table.Row(false, "# bytes", humanize.Bytes(uint64(totalMemory)))
	fmt.Println(table.Render())
}

func params(ctx *context.Context) {
	fmt.Println(titleStyle.Render("Hyperparameters"))
	table := newTable()
	table.Table.Headers("Scope", "Name", "Type", "Value")
	var rows [][]string
	ctx.EnumerateParams(func(scope, key string, value any) {
		rows = append(rows, []string{scope, key, fmt.Sprintf("%T", value), fmt.Sprintf("%v", value)})
	})
	slices.SortFunc(rows, compareRows)
	for _, row := range rows {
		table.Row(false, row...)
	}
	fmt.Println(table.Render())
}

func listSnapshots(checkpointDir string) {
	manifest := must.M1(snapshots.LoadManifest(checkpointDir))
	fmt.Println(titleStyle.Render("Snapshots"))
	if len(manifest.Snapshots) == 0 {
		fmt.Printf("No snapshots recorded in %q\n", manifest.Path())
		return
	}
	best, hasBest := manifest.Best(*flagBest)
	table := newTable(lipgloss.Right, lipgloss.Right, lipgloss.Right, lipgloss.Right, lipgloss.Right, lipgloss.Right,
		lipgloss.Left)
	table.Table.Headers(snapshotHeaders...)
	for _, s := range manifest.Snapshots {
		table.Row(hasBest && s.Path == best.Path, snapshotRow(s)...)
	}
	fmt.Println(table.Render())
	if hasBest {
		fmt.Printf("Best snapshot by %q: %s\n", *flagBest, best.Path)
	} else {
		fmt.Printf("No snapshot has the metric %q\n", *flagBest)
	}
}

var snapshotHeaders = []string{"Epoch", "Step", "Loss", "Acc", "Val Loss", "Val Acc", "Name", "Size", "Saved", "Run"}

// snapshotRow formats the snapshot for the table. Missing metrics are left empty.
func snapshotRow(s snapshots.Snapshot) []string {
	formatMetric := func(metric string, percent bool) string {
		v, found := s.Value(metric)
		if !found {
			return ""
		}
		if percent {
			return fmt.Sprintf("%.2f%%", 100*v)
		}
		return fmt.Sprintf("%.4f", v)
	}
	size := "missing"
	if bytes, err := dirSize(s.Path); err == nil {
		size = humanize.Bytes(uint64(bytes))
	}
	runID := s.RunID
	if len(runID) > 8 {
		runID = runID[:8]
	}
	return []string{
		fmt.Sprintf("%d", s.Epoch),
		humanize.Comma(s.GlobalStep),
		formatMetric("loss", false),
		formatMetric("acc", true),
		formatMetric("val_loss", false),
		formatMetric("val_acc", true),
		s.Name,
		size,
		humanize.Time(s.Time),
		runID,
	}
}

// dirSize returns the total size of the files directly under dir.
func dirSize(dir string) (int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return 0, err
		}
		total += info.Size()
	}
	return total, nil
}

func metrics(checkpointDir string) {
	pointsPath := filepath.Join(checkpointDir, plots.TrainingPlotFileName)
	points, err := plots.LoadPoints(pointsPath)
	if err != nil || len(points) == 0 {
		klog.Errorf("No metrics found in %q", pointsPath)
		return
	}
	fmt.Println(titleStyle.Render("Metrics"))

	// One column per metric, in order of appearance.
	var columns []string
	columnIdx := make(map[string]int)
	for _, point := range points {
		name := point.MetricName
		if _, found := columnIdx[name]; !found {
			columnIdx[name] = len(columns) + 1
			columns = append(columns, name)
		}
	}
	table := newTable(lipgloss.Right)
	table.Table.Headers(append([]string{"Global Step"}, columns...)...)
	currentStep := int64(-1)
	var currentRow []string
	for _, point := range points {
		step := int64(point.Step)
		if step != currentStep {
			if currentStep != -1 {
				table.Row(false, currentRow...)
			}
			currentStep = step
			currentRow = make([]string, 1+len(columns))
			currentRow[0] = humanize.Comma(step)
		}
		if point.MetricType == "accuracy" {
			currentRow[columnIdx[point.MetricName]] = fmt.Sprintf("%.2f%%", 100.0*point.Value)
		} else {
			currentRow[columnIdx[point.MetricName]] = fmt.Sprintf("%f", point.Value)
		}
	}
	if currentStep != -1 {
		table.Row(false, currentRow...)
	}
	fmt.Println(table.Render())
}

func compareRows(a, b []string) int {
	if cmp := strings.Compare(a[0], b[0]); cmp != 0 {
		return cmp
	}
	return strings.Compare(a[1], b[1])
}
