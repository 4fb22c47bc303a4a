// Package workflow sequences the release stages behind each shipctl command.
//
// Build generates one release identifier not yet taken in the registry,
// builds every image with it,
// publishes both tags of each image and finally points the environment
// values document at the new identifier. Deploy rolls the release out and
// reports its status. LocalRun and Teardown manage a run on the operator's
// machine. Every stage gates the next: the first failure ends the workflow
// and later stages never run.
package workflow
