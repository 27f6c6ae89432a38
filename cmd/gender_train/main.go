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

// gender_train trains a gender (or any other image classes) classifier.
//
// Index mode, training images listed with their labels in an index file:
//
//	$ gender_train -data=~/work/faces -train=train.txt -test=test.txt -checkpoint=mobilenet -final=model
//
// Fine-tuning a pretrained model, with image augmentation:
//
//	$ gender_train -data=~/work/faces -train=train.txt -pretrained=model -checkpoint=finetune -set="augment=true"
//
// Directory mode, one sub-directory of images per class:
//
//	$ gender_train -images=~/work/faces/classes -checkpoint=dir_model -set="augment=true"
//
// Xception, with labels fitted from a labels file:
//
//	$ gender_train -train=train.txt -labels=labels.txt -checkpoint=xception -set="model=xception;batch_size=8"
package main

import (
	"flag"
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gender/gender"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagDataDir    = flag.String("data", "", "Base directory for the relative paths of the other flags.")
	flagTrain      = flag.String("train", "", "Index file listing the training images and their labels.")
	flagTest       = flag.String("test", "", "Index file listing the validation images and their labels.")
	flagImages     = flag.String("images", "", "Directory with one sub-directory of images per class, used if -train is not set.")
	flagLabels     = flag.String("labels", "", "File with the labels to fit the classes from. Default to the gender classes \"F\" and \"M\".")
	flagCheckpoint = flag.String("checkpoint", "", "Directory save and load checkpoints from. If left empty, no checkpoints are created.")
	flagPretrained = flag.String("pretrained", "", "Directory of a saved model to start training from.")
	flagFinal      = flag.String("final", "", "Directory where to save the final model.")
	flagEval       = flag.Bool("eval", true, "Whether to evaluate the model on the train and validation data in the end.")
	flagVerbosity  = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")
)

func main() {
	ctx := gender.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))

	backend := backends.MustNew()
	if *flagVerbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
	}
	if *flagVerbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}

	config := gender.Config{
		TrainIndex:    *flagTrain,
		TestIndex:     *flagTest,
		ImagesDir:     *flagImages,
		LabelsFile:    *flagLabels,
		CheckpointDir: *flagCheckpoint,
		PretrainedDir: *flagPretrained,
		FinalModelDir: *flagFinal,
		DataDir:       *flagDataDir,
	}
	err := exceptions.TryCatch[error](func() {
		must.M(gender.TrainModel(backend, ctx, config, *flagEval, paramsSet))
	})
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}
