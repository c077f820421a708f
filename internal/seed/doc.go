// Package seed imports content trees described in YAML documents into a
// content store. Documents are read from a local file or from S3.
//
// A document lists top-level nodes by absolute path; their descendants
// are nested by name:
//
//	nodes:
//	  - path: /content/fragments/f1/jcr:content/root
//	    children:
//	      - name: teaser
//	        resourceType: site/components/teaser
//	        properties:
//	          title: Hello
package seed
