// Package image builds the service images for a release and publishes them
// to the container registry.
//
// Every image of one build shares a single release identifier. Each image is
// tagged twice: the immutable release tag and the floating "latest" alias.
// Publishing refuses to run when any release tag already exists in the
// registry, then pushes the release tag before latest and confirms each push
// by resolving the tag against the registry.
package image
