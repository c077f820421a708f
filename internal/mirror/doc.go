// Package mirror keeps editable component nodes in step with the template
// fragment they reference.
//
// A Subscription listens for property changes under the content root. For
// each change the Handler resolves the containing node, and when its type
// matches the editable component marker the Engine mirrors the children of
// <fragmentVariationPath><origin suffix> into it. The handler then clears
// the node's refreshComponents flag and commits.
package mirror
